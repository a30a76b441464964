// Package yolo holds the external YOLO face model contract and its backends.
//
// Result types mirror the ultralytics result layout: one ResultSet per input
// image, one Detection per face, each exposing boxes in xywh form with
// confidences and keypoints in xy form.
package yolo

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
)

// Backend names
const (
	BackendHTTP   = "http"
	BackendOpenCV = "opencv"
)

// PredictOptions are the inference parameters passed on every call
type PredictOptions struct {
	Conf    float64
	Device  string
	Verbose bool
	Show    bool
}

// Boxes holds bounding boxes as (center x, center y, width, height)
type Boxes struct {
	XYWH [][4]float64 `json:"xywh"`
	Conf []float64    `json:"conf"`
}

// Keypoints holds landmark points per box
type Keypoints struct {
	XY [][][2]float64 `json:"xy"`
}

// Detection is one raw model detection. Either field may be nil.
type Detection struct {
	Boxes     *Boxes     `json:"boxes"`
	Keypoints *Keypoints `json:"keypoints"`
}

// ResultSet is the output for a single image
type ResultSet struct {
	Detections []Detection `json:"detections"`
}

// Model runs inference on a decoded image
type Model interface {
	Predict(ctx context.Context, img *imaging.Image, opts PredictOptions) ([]ResultSet, error)
}

// Builder constructs a Model from a weights file
type Builder func(weightsPath string) (Model, error)

// BackendOptions selects and configures a model backend
type BackendOptions struct {
	Backend      string
	ServerURL    string
	Device       string
	NMSThreshold float64
	InputSize    int
	MaxRPS       float64 // http backend only, zero means unlimited
}

// NewBuilder returns the Builder for the configured backend. A backend that
// cannot run in this build or deployment yields a MISSING_DEPENDENCY error.
func NewBuilder(opts BackendOptions) (Builder, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendHTTP:
		if opts.ServerURL == "" {
			return nil, errors.NewMissingDependencyError("yolo",
				"Please run an ultralytics inference server (pip install ultralytics) and set YOLO_SERVER_URL.")
		}
		return func(weightsPath string) (Model, error) {
			m, err := NewHTTPModel(opts.ServerURL, weightsPath, nil)
			if err != nil {
				return nil, err
			}
			m.SetRateLimit(opts.MaxRPS, 1)
			return m, nil
		}, nil

	case BackendOpenCV:
		if !openCVAvailable {
			return nil, errors.NewMissingDependencyError("opencv",
				"Please install OpenCV 4 and build the worker with -tags gocv.")
		}
		return func(weightsPath string) (Model, error) {
			return newOpenCVModel(weightsPath, opts)
		}, nil

	default:
		return nil, fmt.Errorf("unsupported yolo backend: %s", opts.Backend)
	}
}
