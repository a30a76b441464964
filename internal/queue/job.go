/**
 * Job payloads shared by both queue consumers
 *
 * Producers are TypeScript services, so fileBuffer arrives either as a
 * base64 string or as a serialized Node.js Buffer object.
 */

package queue

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/processor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// TaskTypeDetectFaces is the asynq task type handled by Consumer
const TaskTypeDetectFaces = "detect-faces"

// DefaultProcessingTimeout applies when no timeout is configured
const DefaultProcessingTimeout = 120 * time.Second

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                 `json:"jobId" validate:"required"`
	UserID     string                 `json:"userId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty" validate:"gte=0"`
	FileURL    string                 `json:"fileUrl,omitempty" validate:"omitempty,url"`
	FileBuffer []byte                 `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON writes fileBuffer as a base64 string
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		Alias
		FileBuffer string `json:"fileBuffer,omitempty"`
	}{
		Alias: Alias(p),
	}
	if len(p.FileBuffer) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(p.FileBuffer)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts fileBuffer as a base64 string or a Node.js Buffer object
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeFileBuffer(aux.FileBuffer)
	if err != nil {
		return err
	}
	p.FileBuffer = buf
	return nil
}

func decodeFileBuffer(raw interface{}) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// Validate checks required fields and that an image source is present
func (p *JobPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	if p.FileURL == "" && len(p.FileBuffer) == 0 {
		return fmt.Errorf("invalid job payload %s: fileUrl or fileBuffer is required", p.JobID)
	}
	return nil
}

// ToRequest converts the payload to a processor request
func (p *JobPayload) ToRequest() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
}

// processingMetadata is recorded when a job is picked up
func (p *JobPayload) processingMetadata() map[string]interface{} {
	return map[string]interface{}{
		"filename": p.Filename,
		"mimeType": p.MimeType,
		"fileSize": p.FileSize,
		"userId":   p.UserID,
	}
}

func completedMetadata(result *processor.ProcessResult) map[string]interface{} {
	return map[string]interface{}{
		"facesDetected":  result.FacesDetected,
		"maxConfidence":  result.MaxConfidence,
		"detector":       result.Detector,
		"processingTime": result.ProcessingTimeMs,
		"imageWidth":     result.ImageWidth,
		"imageHeight":    result.ImageHeight,
	}
}

func failedMetadata(err error, duration time.Duration, attempts int) map[string]interface{} {
	return map[string]interface{}{
		"error":          err.Error(),
		"errorCode":      string(errors.CodeOf(err)),
		"processingTime": duration.Milliseconds(),
		"attempts":       attempts,
	}
}

// isPermanent reports errors that will fail the same way on every retry
func isPermanent(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorMissingDependency, errors.ErrorUnsupportedFormat, errors.ErrorInvalidImage:
		return true
	}
	return false
}

func processingTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultProcessingTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
