package detector

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
	"github.com/adverant/nexus/facedetect-worker/internal/yolo"
)

type namedDetector struct {
	name string
}

func (d *namedDetector) Name() string { return d.name }

func (d *namedDetector) DetectFaces(ctx context.Context, img *imaging.Image) ([]FacialAreaRegion, error) {
	return []FacialAreaRegion{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("yolo", func(ctx context.Context) (Detector, error) {
		return &namedDetector{name: "yolo"}, nil
	}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := r.Register("centerface", func(ctx context.Context) (Detector, error) {
		return nil, fmt.Errorf("centerface weights missing")
	}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if got := r.Names(); !reflect.DeepEqual(got, []string{"centerface", "yolo"}) {
		t.Errorf("Names = %v", got)
	}

	d, err := r.New(context.Background(), "yolo")
	if err != nil || d.Name() != "yolo" {
		t.Fatalf("New(yolo) = %v, %v", d, err)
	}

	if _, err := r.New(context.Background(), "centerface"); err == nil {
		t.Error("expected factory error to propagate")
	}
	if _, err := r.New(context.Background(), "retinaface"); err == nil {
		t.Error("expected error for unregistered backend")
	}

	if err := r.Register("yolo", func(ctx context.Context) (Detector, error) { return nil, nil }); err == nil {
		t.Error("expected error for duplicate registration")
	}
	if err := r.Register("", func(ctx context.Context) (Detector, error) { return nil, nil }); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Error("expected error for nil factory")
	}
}

// blockingDetector tracks how many calls run at once
type blockingDetector struct {
	active  *int32
	maxSeen *int32
}

func (d *blockingDetector) Name() string { return "blocking" }

func (d *blockingDetector) DetectFaces(ctx context.Context, img *imaging.Image) ([]FacialAreaRegion, error) {
	n := atomic.AddInt32(d.active, 1)
	for {
		old := atomic.LoadInt32(d.maxSeen)
		if n <= old || atomic.CompareAndSwapInt32(d.maxSeen, old, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(d.active, -1)
	return []FacialAreaRegion{}, nil
}

func TestPoolLimitsConcurrency(t *testing.T) {
	var active, maxSeen int32
	pool, err := NewPool(context.Background(), 2, func(ctx context.Context) (Detector, error) {
		return &blockingDetector{active: &active, maxSeen: &maxSeen}, nil
	})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	if pool.Size() != 2 || pool.Name() != "blocking" {
		t.Fatalf("unexpected pool: size=%d name=%s", pool.Size(), pool.Name())
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := pool.DetectFaces(context.Background(), testImage())
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("DetectFaces returned error: %v", err)
		}
	}

	if maxSeen > 2 {
		t.Errorf("saw %d concurrent calls with pool size 2", maxSeen)
	}
}

func TestPoolContextCancelled(t *testing.T) {
	var active, maxSeen int32
	pool, err := NewPool(context.Background(), 1, func(ctx context.Context) (Detector, error) {
		return &blockingDetector{active: &active, maxSeen: &maxSeen}, nil
	})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	// Take the only detector so the next call has to wait.
	held := <-pool.free
	defer func() { pool.free <- held }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.DetectFaces(ctx, testImage()); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPoolStatsAndClose(t *testing.T) {
	var mu sync.Mutex
	models := []*fakeModel{}
	eyes := [][2]float64{{1, 1}, {2, 2}}
	factory := func(ctx context.Context) (Detector, error) {
		m := &fakeModel{results: []yolo.ResultSet{{Detections: []yolo.Detection{
			detection(10, 10, 4, 4, 0.9, eyes...),
			detection(10, 10, 4, 4, 0.9),
		}}}}
		mu.Lock()
		models = append(models, m)
		mu.Unlock()
		return NewYoloClient(ctx, YoloConfig{WeightsPath: "/w.pt"}, builderFor(m, nil), nil)
	}

	pool, err := NewPool(context.Background(), 2, factory)
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := pool.DetectFaces(context.Background(), testImage()); err != nil {
			t.Fatalf("DetectFaces returned error: %v", err)
		}
	}

	stats := pool.Stats()
	if stats.Calls != 3 || stats.Detections != 3 || stats.Skipped != 3 {
		t.Errorf("stats = %+v, want 3/3/3", stats)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	for i, m := range models {
		if !m.closed {
			t.Errorf("model %d not closed", i)
		}
	}
}

func TestNewPoolErrors(t *testing.T) {
	if _, err := NewPool(context.Background(), 0, nil); err == nil {
		t.Error("expected error for size 0")
	}

	var calls atomic.Int32
	closed := &closeCounter{}
	_, err := NewPool(context.Background(), 3, func(ctx context.Context) (Detector, error) {
		if calls.Add(1) == 2 {
			return nil, fmt.Errorf("out of GPU memory")
		}
		return &closingDetector{namedDetector: namedDetector{name: "yolo"}, counter: closed}, nil
	})
	if err == nil {
		t.Fatal("expected factory error")
	}
	if got := closed.n.Load(); got != 2 {
		t.Errorf("closed %d detectors after failed build, want 2", got)
	}

	_, err = NewPool(context.Background(), 2, func(ctx context.Context) (Detector, error) {
		return nil, fmt.Errorf("weights missing")
	})
	if err == nil || !strings.Contains(err.Error(), "1/2") {
		t.Errorf("expected first build error, got %v", err)
	}
}

type closeCounter struct {
	n atomic.Int32
}

type closingDetector struct {
	namedDetector
	counter *closeCounter
}

func (d *closingDetector) Close() error {
	d.counter.n.Add(1)
	return nil
}
