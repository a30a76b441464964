/**
 * Face Processor for Face Detection Worker
 *
 * Runs one detection job end to end:
 * - load the image (inline buffer, http(s) URL with retries, or s3:// object)
 * - sniff the format from content and decode to a raw pixel array
 * - run the configured face detector
 * - persist the facial areas
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/adverant/nexus/facedetect-worker/internal/detector"
	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/imaging"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/storage"
)

// FaceProcessorInterface defines the interface for face detection jobs
type FaceProcessorInterface interface {
	ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// JobStore persists job state and detection results
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreFacialAreas(ctx context.Context, jobID string, regions []detector.FacialAreaRegion) ([]string, error)
}

// ObjectFetcher downloads s3:// objects
type ObjectFetcher interface {
	Download(ctx context.Context, rawURL string, maxSize int64) ([]byte, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Detector    detector.Detector
	Store       JobStore
	S3          ObjectFetcher // optional, required for s3:// URLs
	MaxFileSize int64
	HTTPClient  *http.Client

	// Download retry policy for http(s) URLs
	DownloadRetries int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// ProcessRequest represents a face detection request
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	FacesDetected    int                         `json:"facesDetected"`
	Regions          []detector.FacialAreaRegion `json:"regions"`
	RegionIDs        []string                    `json:"regionIds,omitempty"`
	MaxConfidence    float64                     `json:"maxConfidence"`
	Detector         string                      `json:"detector"`
	MimeType         string                      `json:"mimeType"`
	ImageWidth       int                         `json:"imageWidth"`
	ImageHeight      int                         `json:"imageHeight"`
	ProcessingTimeMs int64                       `json:"processingTimeMs"`
}

// FaceProcessor handles face detection jobs
type FaceProcessor struct {
	config     *ProcessorConfig
	detector   detector.Detector
	store      JobStore
	httpClient *http.Client
	logger     *logging.Logger
}

// supportedMimeTypes are the formats imaging.Decode understands
var supportedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// NewFaceProcessor creates a new face processor
func NewFaceProcessor(cfg *ProcessorConfig) (*FaceProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}

	if cfg.DownloadRetries <= 0 {
		cfg.DownloadRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 32 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Minute,
		}
	}

	logger := logging.NewLogger("processor")
	if cfg.Store == nil {
		logger.Warn("No job store configured. Facial areas will not be persisted.")
	}

	return &FaceProcessor{
		config:     cfg,
		detector:   cfg.Detector,
		store:      cfg.Store,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ProcessImage runs detection for a single job
func (p *FaceProcessor) ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log := p.logger.With("job_id", req.JobID)

	log.Info("Starting face detection pipeline", "filename", req.Filename, "detector", p.detector.Name())

	// Step 1: Load file
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewProcessingTimeoutError(req.JobID, time.Since(startTime), err)
		}
		if stderrors.Is(err, errors.ErrFileTooLarge) {
			return nil, errors.NewInvalidImageError(req.JobID, err)
		}
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	if p.config.MaxFileSize > 0 && int64(len(fileData)) > p.config.MaxFileSize {
		return nil, errors.NewInvalidImageError(req.JobID,
			fmt.Errorf("%w: %d > %d bytes", errors.ErrFileTooLarge, len(fileData), p.config.MaxFileSize))
	}

	// Step 2: Detect actual MIME type from content
	mimeType := detectMimeType(fileData)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = req.MimeType
	}
	if mimeType != req.MimeType && req.MimeType != "" {
		log.Debug("Corrected MIME type from content", "declared", req.MimeType, "detected", mimeType)
	}
	if !supportedMimeTypes[mimeType] {
		return nil, errors.NewUnsupportedFormatError(req.JobID, mimeType)
	}

	// Step 3: Decode
	img, err := imaging.Decode(fileData)
	if err != nil {
		return nil, errors.NewInvalidImageError(req.JobID, err)
	}
	log.Debug("Image decoded", "width", img.Width, "height", img.Height, "mime", mimeType)

	// Step 4: Detect
	regions, err := p.detector.DetectFaces(ctx, img)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewProcessingTimeoutError(req.JobID, time.Since(startTime), err)
		}
		return nil, errors.NewInferenceFailedError(req.JobID, p.detector.Name(), err)
	}

	result := &ProcessResult{
		FacesDetected: len(regions),
		Regions:       regions,
		MaxConfidence: maxConfidence(regions),
		Detector:      p.detector.Name(),
		MimeType:      mimeType,
		ImageWidth:    img.Width,
		ImageHeight:   img.Height,
	}

	// Step 5: Persist
	if p.store != nil {
		ids, err := p.store.StoreFacialAreas(ctx, req.JobID, regions)
		if err != nil {
			return nil, errors.NewStorageFailedError(req.JobID, err)
		}
		result.RegionIDs = ids
	}

	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Info("Face detection complete",
		"faces", result.FacesDetected,
		"max_confidence", fmt.Sprintf("%.4f", result.MaxConfidence),
		"duration_ms", result.ProcessingTimeMs)

	return result, nil
}

// UpdateJobStatus maps job metadata onto a storage update
func (p *FaceProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.store == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		switch faces := metadata["facesDetected"].(type) {
		case int:
			update.FacesDetected = faces
		case float64:
			update.FacesDetected = int(faces)
		}
		if confidence, ok := metadata["maxConfidence"].(float64); ok {
			update.MaxConfidence = confidence
		}
		if name, ok := metadata["detector"].(string); ok {
			update.Detector = name
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = string(errors.ErrorUnknown)
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["errorCode"].(string); ok && code != "" {
			update.ErrorCode = code
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadFile loads the image from buffer, s3:// URL or http(s) URL
func (p *FaceProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		p.logger.Debug("Using file buffer", "job_id", req.JobID, "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL == "" {
		return nil, fmt.Errorf("no file source provided (buffer or URL)")
	}

	if strings.HasPrefix(req.FileURL, "s3://") {
		if p.config.S3 == nil {
			return nil, fmt.Errorf("s3 URL given but no S3 client configured: %s", req.FileURL)
		}
		return p.config.S3.Download(ctx, req.FileURL, p.config.MaxFileSize)
	}

	if !strings.HasPrefix(req.FileURL, "http://") && !strings.HasPrefix(req.FileURL, "https://") {
		return nil, fmt.Errorf("unsupported file URL scheme: %s", req.FileURL)
	}

	p.logger.Info("Downloading file", "job_id", req.JobID, "url", req.FileURL, "expected_size", req.FileSize)
	fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	return fileData, nil
}

// downloadFileFromURL downloads a file with exponential backoff between attempts
func (p *FaceProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	maxRetries := p.config.DownloadRetries
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(float64(p.config.InitialBackoff) * math.Pow(2, float64(attempt-2)))
			if backoff > p.config.MaxBackoff {
				backoff = p.config.MaxBackoff
			}
			p.logger.Debug("Retrying download", "job_id", jobID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		data, retryable, err := p.fetchOnce(ctx, fileURL, expectedSize, jobID)
		if err == nil {
			p.logger.Debug("Download successful", "job_id", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "max", maxRetries, "error", err)
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

// fetchOnce performs one GET. Client errors (4xx) and oversize files are not retried.
func (p *FaceProcessor) fetchOnce(ctx context.Context, fileURL string, expectedSize int64, jobID string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	contentLength := resp.ContentLength
	if contentLength > 0 && expectedSize > 0 && contentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "job_id", jobID, "expected", expectedSize, "got", contentLength)
	}

	maxReadBytes := p.config.MaxFileSize
	if maxReadBytes > 0 && contentLength > maxReadBytes {
		return nil, false, fmt.Errorf("%w: %d > %d bytes", errors.ErrFileTooLarge, contentLength, maxReadBytes)
	}
	if maxReadBytes <= 0 {
		maxReadBytes = 10 * 1024 * 1024 * 1024 // 10GB safety limit
	}

	// Read one byte past the limit so oversize bodies without Content-Length are caught
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxReadBytes {
		return nil, false, fmt.Errorf("%w of %d bytes", errors.ErrFileTooLarge, maxReadBytes)
	}

	return data, false, nil
}

func maxConfidence(regions []detector.FacialAreaRegion) float64 {
	best := 0.0
	for _, r := range regions {
		if r.Confidence > best {
			best = r.Confidence
		}
	}
	return best
}

// detectMimeType sniffs the content type, ignoring parameters such as charset
func detectMimeType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}
