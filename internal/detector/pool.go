package detector

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
)

// Pool hands out one of several independent detector instances per call,
// so concurrent workers never share a model handle.
type Pool struct {
	name      string
	detectors []Detector
	free      chan Detector
}

// NewPool builds size detectors with factory. The first detector is built
// alone so shared setup such as a weights download happens once; the rest
// are built concurrently.
func NewPool(ctx context.Context, size int, factory Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	first, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build detector 1/%d: %w", size, err)
	}

	detectors := make([]Detector, size)
	detectors[0] = first

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < size; i++ {
		i := i
		g.Go(func() error {
			d, err := factory(gctx)
			if err != nil {
				return fmt.Errorf("failed to build detector %d/%d: %w", i+1, size, err)
			}
			detectors[i] = d
			return nil
		})
	}

	p := &Pool{name: first.Name(), free: make(chan Detector, size)}
	buildErr := g.Wait()
	for _, d := range detectors {
		if d != nil {
			p.detectors = append(p.detectors, d)
		}
	}
	if buildErr != nil {
		p.Close()
		return nil, buildErr
	}

	for _, d := range p.detectors {
		p.free <- d
	}
	return p, nil
}

// Name returns the name of the pooled detectors
func (p *Pool) Name() string {
	return p.name
}

// Size returns the number of pooled detectors
func (p *Pool) Size() int {
	return len(p.detectors)
}

// DetectFaces waits for a free detector or for ctx to end
func (p *Pool) DetectFaces(ctx context.Context, img *imaging.Image) ([]FacialAreaRegion, error) {
	var d Detector
	select {
	case d = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.free <- d }()

	return d.DetectFaces(ctx, img)
}

// Stats sums YoloStats over the pooled detectors that report them
func (p *Pool) Stats() YoloStats {
	var total YoloStats
	for _, d := range p.detectors {
		if c, ok := d.(*YoloClient); ok {
			s := c.Stats()
			total.Calls += s.Calls
			total.Detections += s.Detections
			total.Skipped += s.Skipped
		}
	}
	return total
}

// Close closes every pooled detector that implements io.Closer
func (p *Pool) Close() error {
	var firstErr error
	for _, d := range p.detectors {
		if closer, ok := d.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
