/**
 * Redis status tracking for the digitizer worker
 *
 * Mirrors per-file progress into Redis sets keyed by a prefix and publishes
 * an event per transition on <prefix>:events for live dashboards. Tracking
 * is best effort: Redis errors are logged, never returned to the pipeline.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
	"github.com/adverant/nexus/digitizer-worker/internal/processor"
)

// StatusTracker implements batch.Reporter on top of Redis
type StatusTracker struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

// Event is published on <prefix>:events for every transition
type Event struct {
	Event      string `json:"event"`
	File       string `json:"file"`
	Status     string `json:"status,omitempty"`
	DocID      int64  `json:"docId,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// fileRecord is stored in the <prefix>:results hash
type fileRecord struct {
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Type       string `json:"type,omitempty"`
	DocID      int64  `json:"docId,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// NewStatusTracker connects to Redis and verifies the connection
func NewStatusTracker(ctx context.Context, redisURL, prefix string) (*StatusTracker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStatusTrackerWithClient(client, prefix), nil
}

// NewStatusTrackerWithClient wraps an existing client
func NewStatusTrackerWithClient(client *redis.Client, prefix string) *StatusTracker {
	if prefix == "" {
		prefix = "digitizer:documents"
	}
	return &StatusTracker{
		client: client,
		prefix: prefix,
		logger: logging.NewLogger("StatusTracker"),
	}
}

func (t *StatusTracker) key(suffix string) string {
	return t.prefix + ":" + suffix
}

// statusSet maps a terminal status to its set suffix
func statusSet(status string) string {
	return strings.ToLower(status)
}

// FileStarted marks the file as processing
func (t *StatusTracker) FileStarted(ctx context.Context, path string) {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, t.key("processing"), path)
		pipe.Publish(ctx, t.key("events"), encodeEvent(Event{
			Event:     "file:processing",
			File:      path,
			Timestamp: time.Now().Format(time.RFC3339),
		}))
		return nil
	})
	if err != nil {
		t.logger.Warn("Failed to record processing status", "file", path, "error", err)
	}
}

// FileFinished moves the file to the set of its terminal status and stores
// the per-file record
func (t *StatusTracker) FileFinished(ctx context.Context, res processor.FileResult) {
	path := res.Path
	if path == "" {
		path = res.Filename
	}
	rec := fileRecord{
		Filename:   filepath.Base(path),
		Status:     res.Status,
		Type:       res.Type,
		DocID:      res.DocID,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.logger.Warn("Failed to encode file record", "file", path, "error", err)
		return
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, t.key("processing"), path)
		pipe.SAdd(ctx, t.key(statusSet(res.Status)), path)
		pipe.HSet(ctx, t.key("results"), path, data)
		pipe.Publish(ctx, t.key("events"), encodeEvent(Event{
			Event:      "file:" + statusSet(res.Status),
			File:       path,
			Status:     res.Status,
			DocID:      res.DocID,
			DurationMs: rec.DurationMs,
			Error:      rec.Error,
			Timestamp:  time.Now().Format(time.RFC3339),
		}))
		return nil
	})
	if err != nil {
		t.logger.Warn("Failed to record final status", "file", path, "status", res.Status, "error", err)
	}
}

// Stats returns the size of every status set
func (t *StatusTracker) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, 4)
	for _, s := range []string{"processing", "ok", "failed", "duplicate"} {
		n, err := t.client.SCard(ctx, t.key(s)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.key(s), err)
		}
		out[s] = n
	}
	return out, nil
}

// Close releases the Redis connection
func (t *StatusTracker) Close() error {
	return t.client.Close()
}

func encodeEvent(ev Event) string {
	data, _ := json.Marshal(ev)
	return string(data)
}
