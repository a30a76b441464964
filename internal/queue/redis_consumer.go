/**
 * Direct Redis Queue Consumer for Face Detection Worker
 *
 * Compatible with the TypeScript RedisQueue implementation:
 * - job ids are pushed on the <queue> list, job bodies live in <queue>:data
 * - state is tracked in <queue>:processing / :completed / :failed sets
 * - results and errors are stored in <queue>:results / :errors hashes
 * - every transition is published on <queue>:events
 */

package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/facedetect-worker/internal/errors"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/processor"
)

// DefaultMaxRetries applies to jobs that do not carry maxRetries
const DefaultMaxRetries = 3

// bookkeepingTimeout bounds each status write made after a job left the list
const bookkeepingTimeout = 10 * time.Second

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobEvent is published on <queue>:events for every status change
type JobEvent struct {
	Event         string `json:"event"`
	JobID         string `json:"jobId"`
	Timestamp     string `json:"timestamp"`
	FacesDetected *int   `json:"facesDetected,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.FaceProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.FaceProcessorInterface
	ProcessingTimeout int64 // milliseconds, DefaultProcessingTimeout when zero
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := newRedisConsumer(cfg)
	c.client = client
	return c, nil
}

func newRedisConsumer(cfg *RedisConsumerConfig) *RedisConsumer {
	if cfg.QueueName == "" {
		cfg.QueueName = "facedetect:jobs"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("redis-queue").With("queue", cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    cancel,
	}
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop stops polling, waits for in-flight jobs and closes the client
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Debug("Worker stopping")
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			log.Error("Worker error", "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	// The job is off the list now; nothing below may use c.ctx
	getCtx, cancelGet := c.bookkeepingContext()
	jobData, err := c.client.HGet(getCtx, c.key("data"), id).Result()
	cancelGet()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, fmt.Errorf("failed to unmarshal job: %w", err), 0, 1)
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Validate(); err != nil {
		c.markFailed(job.Payload.JobID, err, 0, job.Attempts+1)
		return err
	}

	log := c.logger.With("job_id", job.Payload.JobID)

	c.markProcessing(&job.Payload)

	log.Info("Processing job", "filename", job.Payload.Filename, "attempt", job.Attempts+1)

	startTime := time.Now()
	processResult, err := c.runJob(&job)
	duration := time.Since(startTime)

	if err != nil {
		job.Attempts++
		if c.shouldRetry(&job, err) {
			if requeueErr := c.requeue(&job); requeueErr != nil {
				log.Error("Failed to re-queue job", "error", requeueErr)
				c.markFailed(job.Payload.JobID, err, duration, job.Attempts)
				return nil
			}
			log.Warn("Job failed, re-queued for retry",
				"attempt", job.Attempts,
				"max_retries", c.maxRetries(&job),
				"error", err)
			return nil
		}

		log.Error("Job failed", "attempts", job.Attempts, "error", err)
		c.markFailed(job.Payload.JobID, err, duration, job.Attempts)
		return nil
	}

	c.markCompleted(job.Payload.JobID, processResult)
	log.Info("Job completed successfully", "faces", processResult.FacesDetected, "duration", duration)
	return nil
}

// runJob runs detection under the processing timeout. The timeout context is
// not derived from the consumer context so Stop lets in-flight jobs finish.
func (c *RedisConsumer) runJob(job *RedisJobData) (*processor.ProcessResult, error) {
	timeout := processingTimeout(c.config.ProcessingTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := c.processor.ProcessImage(ctx, job.Payload.ToRequest())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			return nil, errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *RedisConsumer) maxRetries(job *RedisJobData) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return c.config.MaxRetries
}

// shouldRetry expects job.Attempts to already count the failed attempt
func (c *RedisConsumer) shouldRetry(job *RedisJobData, err error) bool {
	return !isPermanent(err) && job.Attempts < c.maxRetries(job)
}

// bookkeepingContext is independent of c.ctx so records still land after Stop
func (c *RedisConsumer) bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), bookkeepingTimeout)
}

func (c *RedisConsumer) requeue(job *RedisJobData) error {
	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := c.bookkeepingContext()
	defer cancel()

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, updatedData)
		pipe.SRem(ctx, c.key("processing"), job.Payload.JobID)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	return err
}

// markProcessing records the pickup in Redis and PostgreSQL
func (c *RedisConsumer) markProcessing(payload *JobPayload) {
	ctx, cancel := c.bookkeepingContext()
	defer cancel()

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "processing", payload.processingMetadata()); err != nil {
		c.logger.Warn("Could not record processing status", "job_id", payload.JobID, "error", err)
	}
	if err := c.client.SAdd(ctx, c.key("processing"), payload.JobID).Err(); err != nil {
		c.logger.Warn("Failed to add job to processing set", "job_id", payload.JobID, "error", err)
	}
	c.publish(ctx, newJobEvent("processing", payload.JobID))
}

// markCompleted records the result in Redis and PostgreSQL
func (c *RedisConsumer) markCompleted(jobID string, result *processor.ProcessResult) {
	resultData, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("Failed to marshal result", "job_id", jobID, "error", err)
	}

	ctx, cancel := c.bookkeepingContext()
	defer cancel()

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), jobID)
		pipe.SAdd(ctx, c.key("completed"), jobID)
		if resultData != nil {
			pipe.HSet(ctx, c.key("results"), jobID, resultData)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to record completion in Redis", "job_id", jobID, "error", err)
	}

	if err := c.processor.UpdateJobStatus(ctx, jobID, "completed", completedMetadata(result)); err != nil {
		c.logger.Error("Failed to update job status", "job_id", jobID, "status", "completed", "error", err)
	}

	event := newJobEvent("completed", jobID)
	faces := result.FacesDetected
	event.FacesDetected = &faces
	c.publish(ctx, event)
}

// markFailed records the error in Redis and PostgreSQL
func (c *RedisConsumer) markFailed(jobID string, jobErr error, duration time.Duration, attempts int) {
	metadata := failedMetadata(jobErr, duration, attempts)
	errorData, _ := json.Marshal(metadata)

	ctx, cancel := c.bookkeepingContext()
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), jobID)
		pipe.SAdd(ctx, c.key("failed"), jobID)
		pipe.HSet(ctx, c.key("errors"), jobID, errorData)
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to record failure in Redis", "job_id", jobID, "error", err)
	}

	if err := c.processor.UpdateJobStatus(ctx, jobID, "failed", metadata); err != nil {
		c.logger.Error("Failed to update job status", "job_id", jobID, "status", "failed", "error", err)
	}

	event := newJobEvent("failed", jobID)
	event.ErrorCode = string(errors.CodeOf(jobErr))
	c.publish(ctx, event)
}

func newJobEvent(status string, jobID string) *JobEvent {
	return &JobEvent{
		Event:     fmt.Sprintf("job:%s", status),
		JobID:     jobID,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func (c *RedisConsumer) publish(ctx context.Context, event *JobEvent) {
	eventData, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, c.key("events"), eventData).Err(); err != nil {
		c.logger.Debug("Failed to publish event", "event", event.Event, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
