//go:build !gocv
// +build !gocv

package yolo

import "github.com/adverant/nexus/facedetect-worker/internal/errors"

const openCVAvailable = false

func newOpenCVModel(weightsPath string, opts BackendOptions) (Model, error) {
	return nil, errors.NewMissingDependencyError("opencv",
		"Please install OpenCV 4 and build the worker with -tags gocv.")
}
