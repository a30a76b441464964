// Package detector defines the face detector contract consumed by the
// processing pipeline and the adapters that implement it.
package detector

import (
	"context"

	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
)

// Point is an integer pixel coordinate
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// FacialAreaRegion is one detected face. X and Y are the top-left corner.
// Eyes are nil when the detector produced no landmarks.
type FacialAreaRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	LeftEye    *Point  `json:"left_eye,omitempty"`
	RightEye   *Point  `json:"right_eye,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Detector finds faces in a decoded image. An empty result is not an error.
type Detector interface {
	Name() string
	DetectFaces(ctx context.Context, img *imaging.Image) ([]FacialAreaRegion, error)
}
