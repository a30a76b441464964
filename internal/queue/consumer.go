/**
 * Asynq Queue Consumer for Face Detection Worker
 *
 * Handles "detect-faces" tasks from an asynq queue. Permanent failures
 * (bad images, missing backends) skip the retry schedule.
 */

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/processor"
)

// Consumer handles job consumption from an asynq queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.FaceProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.FaceProcessorInterface
	ProcessingTimeout int64 // milliseconds, DefaultProcessingTimeout when zero
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("queue")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Error("Task processing error",
					"type", task.Type(),
					"retry", retried,
					"error", err)
			}),
			Logger: logger.Entry(),
		},
	)

	consumer := newConsumer(cfg, logger)
	consumer.client = asynq.NewClient(redisOpt)
	consumer.server = server

	return consumer, nil
}

func newConsumer(cfg *ConsumerConfig, logger *logging.Logger) *Consumer {
	c := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	c.mux.HandleFunc(TaskTypeDetectFaces, c.handleDetectFaces)
	return c
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Asynq consumer stopped")
	return nil
}

// Enqueue submits a detection job to the consumer's queue
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := newDetectFacesTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetries),
		asynq.Timeout(processingTimeout(c.config.ProcessingTimeout)+30*time.Second))
}

func newDetectFacesTask(payload *JobPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeDetectFaces, data), nil
}

// handleDetectFaces processes a face detection task
func (c *Consumer) handleDetectFaces(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := c.logger.With("job_id", job.JobID)
	log.Info("Processing image", "filename", job.Filename, "size", job.FileSize, "user", job.UserID)

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "processing", job.processingMetadata()); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	timeout := processingTimeout(c.config.ProcessingTimeout)
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessImage(processCtx, job.ToRequest())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			err = errors.NewProcessingTimeoutError(job.JobID, timeout, err)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		status := "failed"
		if !isPermanent(err) && retried < maxRetry {
			status = "retrying"
		}
		log.Error("Processing failed", "duration", duration, "retry", retried, "status", status, "error", err)

		if updateErr := c.processor.UpdateJobStatus(ctx, job.JobID, status, failedMetadata(err, duration, retried+1)); updateErr != nil {
			log.Warn("Failed to update job status", "status", status, "error", updateErr)
		}

		if isPermanent(err) {
			return fmt.Errorf("face detection failed: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("face detection failed: %w", err)
	}

	log.Info("Processing completed",
		"duration", duration,
		"faces", result.FacesDetected,
		"max_confidence", fmt.Sprintf("%.2f", result.MaxConfidence))

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, "completed", completedMetadata(result)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"driver":      "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"maxRetries":  c.config.MaxRetries,
	}
}
