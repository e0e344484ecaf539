package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/digitizer-worker/internal/batch"
	"github.com/adverant/nexus/digitizer-worker/internal/config"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/pipeline"
	"github.com/adverant/nexus/digitizer-worker/internal/queue"
	"github.com/adverant/nexus/digitizer-worker/internal/recovery"
)

var (
	immediate   bool
	inputFolder string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process every file in the input folder",
	Long: `Process every scannable file below the input folder.

Unless --immediate is given, the command first waits until the input folder
has seen no activity for postbatch.inactivity_trigger_minutes. Files left
in flight by a crashed run are moved to <failed_folder>/CRASH_QUARANTINE
before the batch starts.`,
	Example: `  # Process the configured inbox once it has been quiet
  digitizer batch --config config/digitizer.yaml

  # Process another folder right away
  digitizer batch --immediate --input-folder /scans/today`,
	RunE: runBatch,
}

func init() {
	addBatchFlags(batchCmd)
}

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&immediate, "immediate", false, "process immediately without waiting for inactivity")
	cmd.Flags().StringVar(&inputFolder, "input-folder", "", "override postbatch.input_folder")
}

// batchFolders are the resolved folders of a run
type batchFolders struct {
	input, processed, failed, reports string
}

// resolveFolders applies the --input-folder override and checks that every
// folder is configured
func resolveFolders(c *config.Config, override string) (batchFolders, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return batchFolders{}, configError("invalid input folder %s: %w", override, err)
		}
		c.Postbatch.InputFolder = abs
	}

	f := batchFolders{
		input:     c.ResolvePath(c.Postbatch.InputFolder),
		processed: c.ResolvePath(c.Postbatch.ProcessedFolder),
		failed:    c.ResolvePath(c.Postbatch.FailedFolder),
		reports:   c.ResolvePath(c.Postbatch.ReportsFolder),
	}
	if f.processed == "" || f.failed == "" || f.reports == "" {
		return f, configError("processed, failed and reports folders must be configured")
	}
	return f, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logging.NewLogger("Batch")

	folders, err := resolveFolders(cfg, inputFolder)
	if err != nil {
		return err
	}
	for _, dir := range []string{folders.processed, folders.failed, folders.reports} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	rec := recovery.NewManager(
		filepath.Join(folders.reports, recovery.DefaultStateFile),
		filepath.Join(folders.failed, recovery.QuarantineFolderName))
	quarantined, err := rec.Recover()
	if err != nil {
		logger.Error("Crash recovery incomplete", "error", err)
	}
	if len(quarantined) > 0 {
		logger.Warn("Quarantined files left by a previous run", "count", len(quarantined))
	}

	if folders.input == "" {
		return configError("no input folder specified, use the config file or --input-folder")
	}
	if _, err := os.Stat(folders.input); err != nil {
		return configError("input folder does not exist: %s", folders.input)
	}

	if minutes := cfg.Postbatch.InactivityTriggerMinutes; !immediate && minutes > 0 {
		if err := batch.WaitForInactivity(ctx, folders.input, time.Duration(minutes)*time.Minute); err != nil {
			return err
		}
	} else {
		logger.Info("Immediate processing mode, skipping inactivity wait")
	}

	files, err := batch.ListScannableFiles(folders.input, cfg.Postbatch.FileTypes)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", folders.input, err)
	}
	files = excludeUnrecovered(files, rec, logger)
	if len(files) == 0 {
		logger.Info("No files to process", "folder", folders.input)
		return nil
	}

	services, err := pipeline.OpenServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	opts := batch.Options{
		Workers:  cfg.DefaultMaxWorkers(services.GPUCount > 0),
		GPUCount: services.GPUCount,
		Recovery: rec,
		Store:    services.Store,
	}
	if tracker := openTracker(ctx, logger); tracker != nil {
		defer tracker.Close()
		opts.Reporter = tracker
	}

	summary := batch.NewScheduler(services.Factory(cfg), opts).Run(ctx, files)
	finishedAt := time.Now()

	// metrics and report survive an interrupted run
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := services.Store.InsertMetrics(saveCtx, summary.Metrics.Record(finishedAt)); err != nil {
		logger.Error("Failed to store batch metrics", "error", err)
	}
	if cfg.Postbatch.BatchSummaryReport {
		path, err := batch.WriteReport(folders.reports, summary.Results, finishedAt)
		if err != nil {
			logger.Error("Failed to write summary report", "error", err)
		} else {
			logger.Info("Summary report written", "path", path)
		}
	}

	m := summary.Metrics
	fmt.Fprintf(cmd.OutOrStdout(),
		"Processed %d files in %s: %d OK, %d failed, %d duplicate, avg %.2fs, reliability %.1f%%\n",
		len(summary.Results), summary.Duration.Round(time.Second),
		m.OK, m.Failed, m.Duplicate, m.AvgDuration.Seconds(), m.ReliabilityPct)

	return ctx.Err()
}

// excludeUnrecovered drops files a crashed run left in flight that could
// not be quarantined
func excludeUnrecovered(files []string, rec *recovery.Manager, logger *logging.Logger) []string {
	kept := files[:0]
	for _, f := range files {
		if rec.Tracked(f) {
			logger.Error("Skipping file left by a crashed run, move it out of the input folder", "file", f)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// openTracker returns a Redis status tracker when app.redis_url is set. A
// tracker that cannot connect is skipped; it never blocks a batch.
func openTracker(ctx context.Context, logger *logging.Logger) *queue.StatusTracker {
	if cfg.App.RedisURL == "" {
		return nil
	}
	tracker, err := queue.NewStatusTracker(ctx, cfg.App.RedisURL, cfg.Queue.Name)
	if err != nil {
		logger.Warn("Status tracking disabled", "error", err)
		return nil
	}
	return tracker
}
