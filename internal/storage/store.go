/**
 * Storage collaborator
 *
 * The pipeline persists through Store. PostgresStore is the production
 * implementation; MemoryStore backs dry runs and tests.
 */

package storage

import (
	"context"
	"time"
)

// Document status values
const (
	StatusOK        = "OK"
	StatusFailed    = "FAILED"
	StatusDuplicate = "DUPLICATE"
)

// Document is one processed input file
type Document struct {
	ID            int64
	Filename      string
	Path          string
	ContentHash   string
	ProcessedAt   time.Time
	Duration      time.Duration
	Status        string
	Type          string
	Tags          []string
	WorkflowState string
	ErrorMessage  string
}

// OCRRecord is the recognized content of a document. Blocks, Tables and
// StructuredData are stored as JSON.
type OCRRecord struct {
	DocumentID     int64
	Text           string
	Markdown       string
	Language       string
	Confidence     float64
	Blocks         interface{}
	Tables         interface{}
	StructuredData interface{}
}

// Metrics summarizes one batch run
type Metrics struct {
	Timestamp      time.Time
	OKDocs         int
	FailedDocs     int
	AvgTime        float64 // seconds
	ReliabilityPct float64
}

// Store persists documents, OCR output and batch metrics.
// Implementations must be safe for concurrent use.
type Store interface {
	InsertDocument(ctx context.Context, doc *Document) (int64, error)
	InsertOCRResult(ctx context.Context, rec *OCRRecord) (int64, error)
	CheckDuplicate(ctx context.Context, contentHash string) (id int64, found bool, err error)
	GetDocumentPath(ctx context.Context, id int64) (path string, found bool, err error)
	InsertMetrics(ctx context.Context, m *Metrics) (int64, error)
	Close() error
}

// sanitizeConfidence clamps to [0,1] and rounds to 4 decimals
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}
