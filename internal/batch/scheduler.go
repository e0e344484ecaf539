/**
 * Batch scheduler
 *
 * Runs a bounded pool of workers over a list of files. Each worker builds
 * its pipeline the first time it needs one and keeps it for the rest of the
 * run, so expensive engine setup happens once per worker. Workers are
 * spread over the detected GPUs round-robin.
 */

package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/processor"
	"github.com/adverant/nexus/digitizer-worker/internal/recovery"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

// Pipeline processes one file to a terminal state
type Pipeline interface {
	ProcessFile(ctx context.Context, path string) processor.FileResult
}

// PipelineFactory is the per-worker init hook
type PipelineFactory func(ctx context.Context, gpuID int) (Pipeline, error)

// Reporter receives per-file status events
type Reporter interface {
	FileStarted(ctx context.Context, path string)
	FileFinished(ctx context.Context, res processor.FileResult)
}

// Options configures a Scheduler
type Options struct {
	Workers  int
	GPUCount int
	Recovery *recovery.Manager
	Reporter Reporter
	// Store records files that never reached a pipeline
	Store storage.Store
}

// Summary is the outcome of a run. Results follow the input order.
type Summary struct {
	Results  []processor.FileResult
	Metrics  Metrics
	Duration time.Duration
}

// Scheduler runs files through per-worker pipelines
type Scheduler struct {
	factory PipelineFactory
	opts    Options
	logger  *logging.Logger
}

// NewScheduler creates a scheduler; fewer than one worker means one
func NewScheduler(factory PipelineFactory, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Scheduler{
		factory: factory,
		opts:    opts,
		logger:  logging.NewLogger("BatchScheduler"),
	}
}

// worker owns the lazily built pipeline of one pool slot
type worker struct {
	id       int
	gpuID    int
	pipeline Pipeline
}

// Run processes every file and returns per-file results and metrics.
// A worker that dies mid-run leaves its remaining files to a sequential
// pass after the pool has drained.
func (s *Scheduler) Run(ctx context.Context, files []string) Summary {
	start := time.Now()
	results := make([]*processor.FileResult, len(files))

	jobs := make(chan int, len(files))
	for i := range files {
		jobs <- i
	}
	close(jobs)

	workers := s.opts.Workers
	if workers > len(files) {
		workers = len(files)
	}
	s.logger.Info("Starting batch",
		"files", len(files),
		"workers", workers,
		"gpus", s.opts.GPUCount)

	var (
		wg         sync.WaitGroup
		poolFailed atomic.Bool
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					poolFailed.Store(true)
					s.logger.Error("Worker crashed", "worker", w.id, "panic", fmt.Sprint(r))
				}
			}()
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				res := s.processOne(ctx, w, files[idx])
				results[idx] = &res
			}
		}(&worker{id: i, gpuID: s.gpuFor(i)})
	}
	wg.Wait()

	if poolFailed.Load() && ctx.Err() == nil {
		s.logger.Warn("Worker pool failed, processing remaining files sequentially")
		w := &worker{id: workers, gpuID: 0}
		for idx, r := range results {
			if r != nil {
				continue
			}
			res := s.processSafely(ctx, w, files[idx])
			results[idx] = &res
		}
	}

	out := make([]processor.FileResult, 0, len(files))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	summary := Summary{
		Results:  out,
		Metrics:  ComputeMetrics(out),
		Duration: time.Since(start),
	}
	s.logger.Info("Batch complete",
		"ok", summary.Metrics.OK,
		"failed", summary.Metrics.Failed,
		"duplicate", summary.Metrics.Duplicate,
		"avg_time_s", summary.Metrics.AvgDuration.Seconds(),
		"reliability_pct", summary.Metrics.ReliabilityPct)
	return summary
}

func (s *Scheduler) gpuFor(workerID int) int {
	if s.opts.GPUCount <= 1 {
		return 0
	}
	return workerID % s.opts.GPUCount
}

// processSafely turns a panic into a FAILED result
func (s *Scheduler) processSafely(ctx context.Context, w *worker, path string) (res processor.FileResult) {
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
	return s.processOne(ctx, w, path)
}

// processOne wraps a file with recovery registration and status events
func (s *Scheduler) processOne(ctx context.Context, w *worker, path string) processor.FileResult {
	if s.opts.Recovery != nil {
		if err := s.opts.Recovery.RegisterStart(path); err != nil {
			s.logger.Warn("Failed to register in-flight file", "file", path, "error", err)
		}
		defer func() {
			if err := s.opts.Recovery.RegisterComplete(path); err != nil {
				s.logger.Warn("Failed to clear in-flight file", "file", path, "error", err)
			}
		}()
	}
	if s.opts.Reporter != nil {
		s.opts.Reporter.FileStarted(ctx, path)
	}

	res := s.run(ctx, w, path)

	if s.opts.Reporter != nil {
		s.opts.Reporter.FileFinished(ctx, res)
	}
	return res
}

func (s *Scheduler) run(ctx context.Context, w *worker, path string) processor.FileResult {
	if w.pipeline == nil {
		start := time.Now()
		p, err := s.factory(ctx, w.gpuID)
		if err != nil {
			s.logger.Error("Pipeline initialization failed", "worker", w.id, "gpu", w.gpuID, "error", err)
			return s.initFailed(ctx, path, start, err)
		}
		s.logger.Info("Worker pipeline ready",
			"worker", w.id,
			"gpu", w.gpuID,
			"init_ms", time.Since(start).Milliseconds())
		w.pipeline = p
	}
	return w.pipeline.ProcessFile(ctx, path)
}

// initFailed records a file whose worker could not build a pipeline. The
// file stays in the inbox for the next run.
func (s *Scheduler) initFailed(ctx context.Context, path string, start time.Time, cause error) processor.FileResult {
	res := processor.FileResult{
		Filename: filepath.Base(path),
		Path:     path,
		Status:   storage.StatusFailed,
		Duration: time.Since(start),
		Type:     processor.TypeUnknown,
		Err:      cause,
	}
	if s.opts.Store == nil {
		return res
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := s.opts.Store.InsertDocument(recordCtx, &storage.Document{
		Filename:     res.Filename,
		Path:         path,
		ContentHash:  "unknown",
		ProcessedAt:  start,
		Duration:     res.Duration,
		Status:       storage.StatusFailed,
		Type:         processor.TypeUnknown,
		Tags:         []string{processor.TagFailed},
		ErrorMessage: cause.Error(),
	}); err != nil {
		s.logger.Error("Failed to insert failure record", "file", res.Filename, "error", err)
	}
	return res
}
