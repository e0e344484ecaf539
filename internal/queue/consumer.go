/**
 * Queue Consumer for the digitizer worker
 *
 * Consumes process-document tasks from Redis through asynq and runs each
 * file through a document pipeline. Pipelines are built lazily, one per
 * concurrent handler, with the same init hook the batch scheduler uses.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/digitizer-worker/internal/batch"
	"github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/processor"
	"github.com/adverant/nexus/digitizer-worker/internal/recovery"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	GPUCount    int
	Factory     batch.PipelineFactory
	Recovery    *recovery.Manager
	Reporter    batch.Reporter
	// ProcessingTimeout bounds one file (default: 5 minutes)
	ProcessingTimeout time.Duration
}

// Consumer handles job consumption from the Redis queue
type Consumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *Handler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("Factory is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// 5s, 10s, 20s ... capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second || delay <= 0 {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error",
					"type", task.Type(),
					"payload", string(task.Payload()),
					"error", err)
			}),
			Logger: asynqLogger{logging.NewLogger("asynq")},
		},
	)

	handler := NewHandler(HandlerConfig{
		Factory:           cfg.Factory,
		Slots:             cfg.Concurrency,
		GPUCount:          cfg.GPUCount,
		Recovery:          cfg.Recovery,
		Reporter:          cfg.Reporter,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskProcessDocument, handler)

	return &Consumer{
		server:  server,
		mux:     mux,
		handler: handler,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Start starts the queue consumer without blocking
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop waits for in-flight tasks and stops the consumer
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
}

// HandlerConfig configures a Handler
type HandlerConfig struct {
	Factory           batch.PipelineFactory
	Slots             int
	GPUCount          int
	Recovery          *recovery.Manager
	Reporter          batch.Reporter
	ProcessingTimeout time.Duration
}

// Handler runs process-document tasks. It implements asynq.Handler.
type Handler struct {
	cfg    HandlerConfig
	pool   *pipelinePool
	logger *logging.Logger
}

// NewHandler creates a task handler with a lazily filled pipeline pool
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	return &Handler{
		cfg:    cfg,
		pool:   newPipelinePool(cfg.Factory, cfg.Slots, cfg.GPUCount),
		logger: logging.NewLogger("TaskHandler"),
	}
}

// ProcessTask processes one file. Malformed payloads and files that are gone
// are not retried. A FAILED file has already been moved to the failed folder,
// so it is reported without retry as well.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload DocumentPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Path == "" {
		return fmt.Errorf("task payload has no path: %w", asynq.SkipRetry)
	}
	if _, err := os.Stat(payload.Path); err != nil {
		return fmt.Errorf("file %s not available: %v: %w", payload.Path, err, asynq.SkipRetry)
	}
	if h.cfg.Recovery != nil && h.cfg.Recovery.Tracked(payload.Path) {
		// left by a crashed worker and not yet quarantined
		return fmt.Errorf("file %s is held for quarantine: %w", payload.Path, asynq.SkipRetry)
	}

	pipeline, err := h.pool.acquire(ctx)
	if err != nil {
		// init failures are retried, the engines may come back
		return fmt.Errorf("pipeline initialization failed: %w", err)
	}
	defer h.pool.release(pipeline)

	processCtx, cancel := context.WithTimeout(ctx, h.cfg.ProcessingTimeout)
	defer cancel()

	h.logger.Info("Processing document",
		"file", payload.Path,
		"batch_id", payload.BatchID,
		"timeout", h.cfg.ProcessingTimeout.String())

	res := h.process(processCtx, pipeline, payload.Path)

	switch res.Status {
	case storage.StatusFailed:
		cause := res.Err
		if processCtx.Err() == context.DeadlineExceeded {
			cause = errors.NewProcessingTimeoutError(payload.Path, h.cfg.ProcessingTimeout, res.Err)
		}
		h.logger.Error("Document failed", "file", payload.Path, "batch_id", payload.BatchID, "error", cause)
		return fmt.Errorf("document processing failed: %v: %w", cause, asynq.SkipRetry)
	default:
		h.logger.Info("Document processed",
			"file", res.Filename,
			"status", res.Status,
			"doc_id", res.DocID,
			"duration_ms", res.Duration.Milliseconds())
		return nil
	}
}

func (h *Handler) process(ctx context.Context, p batch.Pipeline, path string) (res processor.FileResult) {
	if h.cfg.Recovery != nil {
		if err := h.cfg.Recovery.RegisterStart(path); err != nil {
			h.logger.Warn("Failed to register in-flight file", "file", path, "error", err)
		}
		defer func() {
			if err := h.cfg.Recovery.RegisterComplete(path); err != nil {
				h.logger.Warn("Failed to clear in-flight file", "file", path, "error", err)
			}
		}()
	}
	if h.cfg.Reporter != nil {
		h.cfg.Reporter.FileStarted(ctx, path)
		defer func() { h.cfg.Reporter.FileFinished(context.WithoutCancel(ctx), res) }()
	}

	defer func() {
		if r := recover(); r != nil {
			res = processor.FileResult{
				Filename: filepath.Base(path),
				Path:     path,
				Status:   storage.StatusFailed,
				Type:     processor.TypeUnknown,
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return p.ProcessFile(ctx, path)
}

// pipelinePool hands out at most size pipelines, building them on demand
type pipelinePool struct {
	factory  batch.PipelineFactory
	gpus     int
	idle     chan batch.Pipeline
	mu       sync.Mutex
	built    int
	capacity chan struct{}
}

func newPipelinePool(factory batch.PipelineFactory, size, gpus int) *pipelinePool {
	return &pipelinePool{
		factory:  factory,
		gpus:     gpus,
		idle:     make(chan batch.Pipeline, size),
		capacity: make(chan struct{}, size),
	}
}

func (p *pipelinePool) acquire(ctx context.Context) (batch.Pipeline, error) {
	select {
	case p.capacity <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case pl := <-p.idle:
		return pl, nil
	default:
	}

	p.mu.Lock()
	slot := p.built
	p.built++
	p.mu.Unlock()

	gpuID := 0
	if p.gpus > 1 {
		gpuID = slot % p.gpus
	}
	pl, err := p.factory(ctx, gpuID)
	if err != nil {
		<-p.capacity
		return nil, err
	}
	return pl, nil
}

func (p *pipelinePool) release(pl batch.Pipeline) {
	select {
	case p.idle <- pl:
	default:
	}
	<-p.capacity
}

// asynqLogger routes asynq's internal logging through the component logger
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
