package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/digitizer-worker/internal/batch"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/pipeline"
	"github.com/adverant/nexus/digitizer-worker/internal/queue"
	"github.com/adverant/nexus/digitizer-worker/internal/recovery"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit the input folder to the Redis queue",
	Long: `List the scannable files below the input folder and submit one
process-document task per file. Workers started with "digitizer worker"
on machines sharing the folders pick them up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.App.RedisURL == "" {
			return configError("app.redis_url is required to enqueue")
		}
		folders, err := resolveFolders(cfg, inputFolder)
		if err != nil {
			return err
		}
		if folders.input == "" {
			return configError("no input folder specified, use the config file or --input-folder")
		}

		files, err := batch.ListScannableFiles(folders.input, cfg.Postbatch.FileTypes)
		if err != nil {
			return configError("failed to list %s: %w", folders.input, err)
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No files to enqueue")
			return nil
		}

		enqueuer, err := queue.NewEnqueuer(cfg.App.RedisURL, cfg.Queue.Name)
		if err != nil {
			return err
		}
		defer enqueuer.Close()

		batchID, err := enqueuer.EnqueueBatch(cmd.Context(), files)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d files as batch %s\n", len(files), batchID)
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume process-document tasks from the Redis queue",
	RunE:  runWorker,
}

func init() {
	enqueueCmd.Flags().StringVar(&inputFolder, "input-folder", "", "override postbatch.input_folder")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logging.NewLogger("Worker")

	if cfg.App.RedisURL == "" {
		return configError("app.redis_url is required for worker mode")
	}
	folders, err := resolveFolders(cfg, "")
	if err != nil {
		return err
	}
	for _, dir := range []string{folders.processed, folders.failed, folders.reports} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// one state file per host, workers on several machines share the reports folder
	host, _ := os.Hostname()
	rec := recovery.NewManager(
		filepath.Join(folders.reports, "worker-"+host+"-"+recovery.DefaultStateFile),
		filepath.Join(folders.failed, recovery.QuarantineFolderName))
	if quarantined, err := rec.Recover(); err != nil {
		logger.Error("Crash recovery incomplete", "error", err)
	} else if len(quarantined) > 0 {
		logger.Warn("Quarantined files left by a previous worker", "count", len(quarantined))
	}

	services, err := pipeline.OpenServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	consumerCfg := &queue.ConsumerConfig{
		RedisURL:          cfg.App.RedisURL,
		QueueName:         cfg.Queue.Name,
		Concurrency:       cfg.Queue.Concurrency,
		GPUCount:          services.GPUCount,
		Factory:           services.Factory(cfg),
		Recovery:          rec,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
	}
	if tracker := openTracker(ctx, logger); tracker != nil {
		defer tracker.Close()
		consumerCfg.Reporter = tracker
	}

	consumer, err := queue.NewConsumer(consumerCfg)
	if err != nil {
		return err
	}
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	logger.Info("Worker ready, waiting for tasks",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Queue.Concurrency,
		"gpus", services.GPUCount)

	<-ctx.Done()
	logger.Info("Shutdown requested")
	consumer.Stop()
	return nil
}
