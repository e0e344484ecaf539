package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// TaskProcessDocument is the asynq task type handled by the worker
const TaskProcessDocument = "process-document"

// DocumentPayload is the task body: one file on storage shared with the
// workers, plus the batch it was enqueued with.
type DocumentPayload struct {
	Path    string `json:"path"`
	BatchID string `json:"batch_id,omitempty"`
}

// NewProcessDocumentTask builds the task for one file
func NewProcessDocumentTask(path, batchID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DocumentPayload{Path: path, BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessDocument, payload), nil
}

// taskClient is the part of *asynq.Client the enqueuer uses
type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Enqueuer submits files to the distributed queue
type Enqueuer struct {
	client   taskClient
	queue    string
	maxRetry int
	logger   *logging.Logger
}

// NewEnqueuer connects to the Redis instance behind the queue
func NewEnqueuer(redisURL, queueName string) (*Enqueuer, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return newEnqueuer(asynq.NewClient(redisOpt), queueName), nil
}

func newEnqueuer(client taskClient, queueName string) *Enqueuer {
	return &Enqueuer{
		client:   client,
		queue:    queueName,
		maxRetry: 3,
		logger:   logging.NewLogger("Enqueuer"),
	}
}

// EnqueueBatch submits one task per file under a fresh batch id. Files
// enqueued before a failure stay queued; the error names the first file that
// could not be submitted.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, files []string) (string, error) {
	batchID := uuid.New().String()

	for i, path := range files {
		task, err := NewProcessDocumentTask(path, batchID)
		if err != nil {
			return batchID, fmt.Errorf("failed to build task for %s: %w", path, err)
		}
		info, err := e.client.EnqueueContext(ctx, task,
			asynq.Queue(e.queue),
			asynq.MaxRetry(e.maxRetry))
		if err != nil {
			return batchID, fmt.Errorf("failed to enqueue %s (%d/%d): %w", path, i+1, len(files), err)
		}
		e.logger.Debug("Task enqueued", "task_id", info.ID, "file", path, "batch_id", batchID)
	}

	e.logger.Info("Batch enqueued", "batch_id", batchID, "files", len(files), "queue", e.queue)
	return batchID, nil
}

// Close releases the Redis connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
