/**
 * Face Detection Worker - Main Entry Point
 *
 * Architecture:
 * - Redis list or asynq consumer for the detection job queue
 * - YOLOv8 face detector behind a pluggable model backend
 * - PostgreSQL persistence for jobs and facial areas
 * - Optional S3 inputs via s3:// URLs
 */

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/facedetect-worker/internal/clients"
	"github.com/adverant/nexus/facedetect-worker/internal/config"
	"github.com/adverant/nexus/facedetect-worker/internal/detector"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/processor"
	"github.com/adverant/nexus/facedetect-worker/internal/queue"
	"github.com/adverant/nexus/facedetect-worker/internal/storage"
	"github.com/adverant/nexus/facedetect-worker/internal/weights"
	"github.com/adverant/nexus/facedetect-worker/internal/yolo"
)

func main() {
	log := logging.NewLogger("main")

	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Warn(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	log.Info("Face detection worker starting...",
		"detector", cfg.DetectorBackend,
		"backend", cfg.YoloBackend,
		"device", cfg.YoloDevice,
		"queue_driver", cfg.QueueDriver,
		"workers", cfg.WorkerConcurrency)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancelStartup()

	// Detector construction downloads weights on first start
	det, err := buildDetector(startupCtx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize detector: %w", err)
	}
	defer closeDetector(det, log)
	log.Info("Detector initialized", "name", det.Name(), "pool_size", cfg.DetectorPoolSize)

	log.Info("Connecting to PostgreSQL...")
	db, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(startupCtx); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}

	s3Client, err := clients.NewS3Client(clients.S3Config{
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		Endpoint:        cfg.AWSS3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	proc, err := processor.NewFaceProcessor(&processor.ProcessorConfig{
		Detector:    det,
		Store:       db,
		S3:          s3Client,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize face processor: %w", err)
	}

	stop, err := startConsumer(cfg, proc)
	if err != nil {
		return err
	}

	log.Info("Face detection worker is READY",
		"queue", cfg.QueueName,
		"driver", cfg.QueueDriver,
		"workers", cfg.WorkerConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ProcessingTimeout)*time.Millisecond+30*time.Second)
	defer cancelShutdown()

	if err := stop(shutdownCtx); err != nil {
		log.Error("Error stopping queue consumer", "error", err)
	} else {
		log.Info("Queue consumer stopped")
	}

	if stats, ok := det.(interface{ Stats() detector.YoloStats }); ok {
		s := stats.Stats()
		log.Info("Detector statistics", "calls", s.Calls, "detections", s.Detections, "skipped", s.Skipped)
	}

	log.Info("Shutdown complete")
	return nil
}

// buildDetector registers the available detectors and builds the configured
// one, pooled when DETECTOR_POOL_SIZE > 1
func buildDetector(ctx context.Context, cfg *config.Config) (detector.Detector, error) {
	registry := detector.NewRegistry()

	build, buildErr := yolo.NewBuilder(cfg.BackendOptions())
	fetcher := weights.NewFetcher(cfg.DeepFaceHome)

	if err := registry.Register(detector.YoloName, func(ctx context.Context) (detector.Detector, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		client, err := detector.NewYoloClient(ctx, cfg.YoloConfig(), build, fetcher)
		if err != nil {
			return nil, err
		}
		return client, nil
	}); err != nil {
		return nil, err
	}

	if cfg.DetectorPoolSize <= 1 {
		return registry.New(ctx, cfg.DetectorBackend)
	}

	pool, err := detector.NewPool(ctx, cfg.DetectorPoolSize, func(ctx context.Context) (detector.Detector, error) {
		return registry.New(ctx, cfg.DetectorBackend)
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func startConsumer(cfg *config.Config, proc processor.FaceProcessorInterface) (func(context.Context) error, error) {
	switch cfg.QueueDriver {
	case "asynq":
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize asynq consumer: %w", err)
		}
		if err := consumer.Start(context.Background()); err != nil {
			return nil, err
		}
		return consumer.Stop, nil

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := consumer.Start(); err != nil {
			return nil, err
		}
		return func(context.Context) error { return consumer.Stop() }, nil
	}
}

func closeDetector(det detector.Detector, log *logging.Logger) {
	if closer, ok := det.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Failed to close detector", "error", err)
		}
	}
}
