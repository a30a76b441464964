/**
 * HTTP model backend
 *
 * Talks to an ultralytics inference server. The weights file is uploaded once
 * when the model is built; every Predict call sends the raw pixel array with
 * the confidence threshold and device selector.
 *
 * Endpoints:
 * - GET  /health
 * - POST /models               (multipart "weights" file) -> {"model_id": "..."}
 * - POST /models/{id}/predict  (JSON) -> {"results": [...]}
 */

package yolo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPModel is a Model served by a remote inference server
type HTTPModel struct {
	baseURL    string
	modelID    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

type loadModelResponse struct {
	Success bool   `json:"success"`
	ModelID string `json:"model_id"`
	Error   string `json:"error,omitempty"`
}

type imagePayload struct {
	Shape [3]int `json:"shape"`
	DType string `json:"dtype"`
	Data  []byte `json:"data"`
}

type predictRequest struct {
	Image   imagePayload `json:"image"`
	Conf    float64      `json:"conf"`
	Device  string       `json:"device"`
	Verbose bool         `json:"verbose"`
	Show    bool         `json:"show"`
}

type predictResponse struct {
	Success bool        `json:"success"`
	Results []ResultSet `json:"results"`
	Error   string      `json:"error,omitempty"`
}

// NewHTTPModel uploads the weights file to the server and returns a handle
// bound to the loaded model. A nil client gets a default with a long timeout.
func NewHTTPModel(baseURL string, weightsPath string, client *http.Client) (*HTTPModel, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("inference server URL is required")
	}
	if client == nil {
		client = &http.Client{
			Timeout: 120 * time.Second,
		}
	}

	m := &HTTPModel{
		baseURL:    baseURL,
		httpClient: client,
		logger:     logging.NewLogger("yolo-http"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	modelID, err := m.loadWeights(ctx, weightsPath)
	if err != nil {
		return nil, err
	}
	m.modelID = modelID

	m.logger.Info("Model loaded on inference server", "server", baseURL, "model_id", modelID, "weights", weightsPath)
	return m, nil
}

// SetRateLimit caps Predict calls at rps requests per second. Zero or a
// negative rps removes the limit.
func (m *HTTPModel) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		m.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// ModelID returns the server-side id of the loaded model
func (m *HTTPModel) ModelID() string {
	return m.modelID
}

// HealthCheck verifies the inference server is available
func (m *HTTPModel) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference server health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference server health check returned status %d", resp.StatusCode)
	}

	return nil
}

func (m *HTTPModel) loadWeights(ctx context.Context, weightsPath string) (string, error) {
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return "", fmt.Errorf("failed to read weights file: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("weights", filepath.Base(weightsPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write weights to form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/models", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create load request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("model load request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read load response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model load failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result loadModelResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse load response: %w (raw response: %s)", err, string(respBody))
	}
	if !result.Success || result.ModelID == "" {
		return "", fmt.Errorf("model load returned success=%v: %s", result.Success, result.Error)
	}

	return result.ModelID, nil
}

// Predict runs inference for a single image on the server
func (m *HTTPModel) Predict(ctx context.Context, img *imaging.Image, opts PredictOptions) ([]ResultSet, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("inference rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(&predictRequest{
		Image: imagePayload{
			Shape: img.Shape(),
			DType: "uint8",
			Data:  img.Pix,
		},
		Conf:    opts.Conf,
		Device:  opts.Device,
		Verbose: opts.Verbose,
		Show:    opts.Show,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s/predict", m.baseURL, m.modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read predict response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result predictResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse predict response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("predict returned success=false: %s", result.Error)
	}

	return result.Results, nil
}
