//go:build gocv
// +build gocv

package yolo

import (
	"context"
	"fmt"
	"image"
	"strings"

	"gocv.io/x/gocv"

	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
)

const openCVAvailable = true

// OpenCVModel runs an ONNX export of the face model through OpenCV DNN
type OpenCVModel struct {
	net          gocv.Net
	inputSize    int
	nmsThreshold float64
}

func newOpenCVModel(weightsPath string, opts BackendOptions) (Model, error) {
	net := gocv.ReadNetFromONNX(weightsPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX model from %s", weightsPath)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if strings.HasPrefix(strings.ToLower(opts.Device), "cuda") {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN target: %w", err)
	}

	size := opts.InputSize
	if size <= 0 {
		size = 640
	}
	nms := opts.NMSThreshold
	if nms <= 0 {
		nms = 0.45
	}

	logging.NewLogger("yolo-opencv").Info("ONNX model loaded", "weights", weightsPath, "device", opts.Device, "input_size", size)

	return &OpenCVModel{net: net, inputSize: size, nmsThreshold: nms}, nil
}

// Predict runs a forward pass. The device is fixed when the model is loaded.
func (m *OpenCVModel) Predict(ctx context.Context, img *imaging.Image, opts PredictOptions) ([]ResultSet, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.Channels != 3 {
		return nil, fmt.Errorf("expected 3 channel image, got %d", img.Channels)
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Pix)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap image: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(m.inputSize, m.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output dims %v", dims)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output tensor: %w", err)
	}

	rs, err := DecodePoseOutput(data, dims[1], dims[2], opts.Conf, m.nmsThreshold,
		float64(img.Width)/float64(m.inputSize), float64(img.Height)/float64(m.inputSize))
	if err != nil {
		return nil, err
	}

	return []ResultSet{rs}, nil
}

// Close releases the network
func (m *OpenCVModel) Close() error {
	return m.net.Close()
}
