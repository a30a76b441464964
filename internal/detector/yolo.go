/**
 * YOLO face detector adapter
 *
 * Wraps a yolo.Model built from the yolov8n-face weights and reshapes its raw
 * detections into FacialAreaRegion records:
 * - boxes arrive as (center x, center y, width, height) and leave as top-left
 *   corner + size, truncated toward zero
 * - keypoint 0 is the right eye, keypoint 1 the left eye
 * - detections missing a box or two keypoints are dropped and counted
 */

package detector

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/yolo"
)

const (
	// YoloName is the registry name of the YOLO adapter
	YoloName = "yolo"

	DefaultDevice     = "cuda:0"
	DefaultConfidence = 0.25

	YoloWeightsFile = "yolov8n-face.pt"
	YoloWeightsURL  = "https://drive.google.com/uc?id=1qcr9DbgsX3ryrz2uU8w4Xm3cOrRywXqb"
)

// WeightsFetcher returns a local path for a weights file, downloading it
// when it is not cached.
type WeightsFetcher interface {
	DownloadIfNecessary(ctx context.Context, fileName string, sourceURL string) (string, error)
}

// YoloConfig is resolved once at startup. An empty WeightsPath means the
// default weights are fetched; empty Device and nil Confidence fall back to
// DefaultDevice and DefaultConfidence. A Confidence of 0 keeps every box.
type YoloConfig struct {
	WeightsPath string
	Device      string
	Confidence  *float64
}

// YoloStats are cumulative counters for a YoloClient
type YoloStats struct {
	Calls      int64 `json:"calls"`
	Detections int64 `json:"detections"`
	Skipped    int64 `json:"skipped"`
}

// YoloClient is the YOLO implementation of Detector. Model calls are
// serialized; use a Pool for parallel inference.
type YoloClient struct {
	model      yolo.Model
	device     string
	confidence float64
	weights    string

	mu sync.Mutex

	calls      atomic.Int64
	detections atomic.Int64
	skipped    atomic.Int64

	logger *logging.Logger
}

// NewYoloClient resolves the weights file and builds the model once
func NewYoloClient(ctx context.Context, cfg YoloConfig, build yolo.Builder, fetcher WeightsFetcher) (*YoloClient, error) {
	if build == nil {
		return nil, errors.NewMissingDependencyError("yolo",
			"Please install ultralytics (pip install ultralytics) or build with -tags gocv.")
	}

	logger := logging.NewLogger("yolo-detector")

	weightsPath := cfg.WeightsPath
	if weightsPath == "" {
		if fetcher == nil {
			return nil, errors.NewWeightAcquisitionError(YoloWeightsFile, YoloWeightsURL,
				fmt.Errorf("no weights fetcher configured"))
		}
		path, err := fetcher.DownloadIfNecessary(ctx, YoloWeightsFile, YoloWeightsURL)
		if err != nil {
			return nil, errors.NewWeightAcquisitionError(YoloWeightsFile, YoloWeightsURL, err)
		}
		weightsPath = path
	} else {
		logger.Info("Using custom YOLO weights", "weights", weightsPath)
	}

	model, err := build(weightsPath)
	if err != nil {
		var perr *errors.ProcessingError
		if stderrors.As(err, &perr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to build YOLO model from %s: %w", weightsPath, err)
	}

	device := cfg.Device
	if device == "" {
		device = DefaultDevice
	}
	confidence := DefaultConfidence
	if cfg.Confidence != nil {
		confidence = *cfg.Confidence
	}

	logger.Info("YOLO detector ready", "weights", weightsPath, "device", device, "confidence", confidence)

	return &YoloClient{
		model:      model,
		device:     device,
		confidence: confidence,
		weights:    weightsPath,
		logger:     logger,
	}, nil
}

// Name returns the registry name
func (c *YoloClient) Name() string {
	return YoloName
}

// WeightsPath returns the weights file the model was built from
func (c *YoloClient) WeightsPath() string {
	return c.weights
}

// DetectFaces runs the model on img and normalizes the first result set.
// Errors from the model are returned as is.
func (c *YoloClient) DetectFaces(ctx context.Context, img *imaging.Image) ([]FacialAreaRegion, error) {
	c.mu.Lock()
	results, err := c.model.Predict(ctx, img, yolo.PredictOptions{
		Conf:    c.confidence,
		Device:  c.device,
		Verbose: false,
		Show:    false,
	})
	c.mu.Unlock()

	c.calls.Add(1)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return []FacialAreaRegion{}, nil
	}

	raw := results[0].Detections
	regions := make([]FacialAreaRegion, 0, len(raw))
	skipped := 0
	for _, det := range raw {
		region, ok := normalizeDetection(det)
		if !ok {
			skipped++
			continue
		}
		regions = append(regions, region)
	}

	c.detections.Add(int64(len(regions)))
	if skipped > 0 {
		c.skipped.Add(int64(skipped))
		c.logger.Debug("Skipped incomplete detections", "skipped", skipped, "kept", len(regions))
	}

	return regions, nil
}

// Stats returns a snapshot of the counters
func (c *YoloClient) Stats() YoloStats {
	return YoloStats{
		Calls:      c.calls.Load(),
		Detections: c.detections.Load(),
		Skipped:    c.skipped.Load(),
	}
}

// Close releases the model if it holds native resources
func (c *YoloClient) Close() error {
	if closer, ok := c.model.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// normalizeDetection converts one raw detection. It reports false when the
// detection has no box, no confidence, or fewer than two keypoints.
func normalizeDetection(det yolo.Detection) (FacialAreaRegion, bool) {
	if det.Boxes == nil || det.Keypoints == nil {
		return FacialAreaRegion{}, false
	}
	if len(det.Boxes.XYWH) == 0 || len(det.Boxes.Conf) == 0 {
		return FacialAreaRegion{}, false
	}
	if len(det.Keypoints.XY) == 0 || len(det.Keypoints.XY[0]) < 2 {
		return FacialAreaRegion{}, false
	}

	box := det.Boxes.XYWH[0]
	cx, cy, w, h := box[0], box[1], box[2], box[3]
	kps := det.Keypoints.XY[0]

	return FacialAreaRegion{
		X:          int(cx - w/2),
		Y:          int(cy - h/2),
		W:          int(w),
		H:          int(h),
		RightEye:   &Point{X: int(kps[0][0]), Y: int(kps[0][1])},
		LeftEye:    &Point{X: int(kps[1][0]), Y: int(kps[1][1])},
		Confidence: det.Boxes.Conf[0],
	}, true
}
