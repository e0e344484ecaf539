/**
 * Digitizer - Main Entry Point
 *
 * Batch OCR for scanned documents and PDFs:
 * - batch: waits for the inbox to go quiet, then processes every file with a
 *   pool of per-GPU workers, writes a summary report and batch metrics
 * - enqueue / worker: the same pipeline distributed over a Redis queue
 * - init-config: writes a commented default configuration
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// exitError carries the process exit code of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// configError marks a misconfiguration (exit code 1, no processing done)
func configError(format string, args ...interface{}) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
