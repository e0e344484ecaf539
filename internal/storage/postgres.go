/**
 * PostgreSQL store for the digitizer
 *
 * Persists documents, OCR text and batch metrics. Transient failures
 * (connection loss, serialization conflicts) are retried.
 */

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lib/pq"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id             BIGSERIAL PRIMARY KEY,
	filename       TEXT NOT NULL,
	path           TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	processed_at   TIMESTAMPTZ NOT NULL,
	duration       DOUBLE PRECISION NOT NULL,
	status         TEXT NOT NULL,
	type           TEXT,
	tags           TEXT[],
	workflow_state TEXT DEFAULT 'new',
	error_message  TEXT
);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS ocr_texts (
	id              BIGSERIAL PRIMARY KEY,
	id_doc          BIGINT NOT NULL REFERENCES documents(id),
	text            TEXT,
	markdown_text   TEXT,
	language        TEXT,
	confidence      NUMERIC(5,4),
	blocks_json     JSONB,
	tables_json     JSONB,
	structured_data JSONB
);
CREATE INDEX IF NOT EXISTS idx_ocr_texts_doc ON ocr_texts(id_doc);

CREATE TABLE IF NOT EXISTS metrics (
	id              BIGSERIAL PRIMARY KEY,
	datetime        TIMESTAMPTZ NOT NULL,
	ok_docs         INTEGER NOT NULL,
	failed_docs     INTEGER NOT NULL,
	avg_time        DOUBLE PRECISION NOT NULL,
	reliability_pct DOUBLE PRECISION NOT NULL
);
`

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	attempts uint
	logger   *logging.Logger
}

// NewPostgresStore connects, waits for the server and creates the schema
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, apperrors.NewDatabaseFailedError("connect", fmt.Errorf("database URL is required"))
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, apperrors.NewDatabaseFailedError("open", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	s := &PostgresStore{db: db, attempts: 3, logger: logging.NewLogger("PostgresStore")}

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(1*time.Second),
	)
	if err != nil {
		db.Close()
		return nil, apperrors.NewDatabaseFailedError("ping", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, apperrors.NewDatabaseFailedError("schema", err)
	}

	s.logger.Info("PostgreSQL store ready")
	return s, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc *Document) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "insert_document", func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO documents (
				filename, path, content_hash, processed_at, duration,
				status, type, tags, workflow_state, error_message
			) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, COALESCE(NULLIF($9, ''), 'new'), NULLIF($10, ''))
			RETURNING id`,
			doc.Filename,
			doc.Path,
			doc.ContentHash,
			doc.ProcessedAt,
			doc.Duration.Seconds(),
			doc.Status,
			doc.Type,
			pq.Array(doc.Tags),
			doc.WorkflowState,
			doc.ErrorMessage,
		).Scan(&id)
	})
	return id, err
}

func (s *PostgresStore) InsertOCRResult(ctx context.Context, rec *OCRRecord) (int64, error) {
	blocks, err := jsonb(rec.Blocks)
	if err != nil {
		return 0, apperrors.NewDatabaseFailedError("insert_ocr_result", err)
	}
	tables, err := jsonb(rec.Tables)
	if err != nil {
		return 0, apperrors.NewDatabaseFailedError("insert_ocr_result", err)
	}
	structured, err := jsonb(rec.StructuredData)
	if err != nil {
		return 0, apperrors.NewDatabaseFailedError("insert_ocr_result", err)
	}

	var id int64
	err = s.withRetry(ctx, "insert_ocr_result", func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO ocr_texts (
				id_doc, text, markdown_text, language, confidence,
				blocks_json, tables_json, structured_data
			) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5::NUMERIC(5,4), $6, $7, $8)
			RETURNING id`,
			rec.DocumentID,
			strings.ReplaceAll(rec.Text, "\x00", ""),
			strings.ReplaceAll(rec.Markdown, "\x00", ""),
			rec.Language,
			sanitizeConfidence(rec.Confidence),
			blocks,
			tables,
			structured,
		).Scan(&id)
	})
	return id, err
}

func (s *PostgresStore) CheckDuplicate(ctx context.Context, contentHash string) (int64, bool, error) {
	var id int64
	err := s.withRetry(ctx, "check_duplicate", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE content_hash = $1 AND status <> $2 ORDER BY id LIMIT 1`,
			contentHash, StatusFailed,
		).Scan(&id)
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *PostgresStore) GetDocumentPath(ctx context.Context, id int64) (string, bool, error) {
	var path string
	err := s.withRetry(ctx, "get_document_path", func() error {
		return s.db.QueryRowContext(ctx, `SELECT path FROM documents WHERE id = $1`, id).Scan(&path)
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (s *PostgresStore) InsertMetrics(ctx context.Context, m *Metrics) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "insert_metrics", func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO metrics (datetime, ok_docs, failed_docs, avg_time, reliability_pct)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			m.Timestamp, m.OKDocs, m.FailedDocs, m.AvgTime, m.ReliabilityPct,
		).Scan(&id)
	})
	return id, err
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics
func (s *PostgresStore) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withRetry runs op, retrying transient failures. sql.ErrNoRows is
// returned unwrapped so callers can test for it.
func (s *PostgresStore) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Retrying database operation", "operation", op, "attempt", n+1, "error", err)
		}),
	)
	if err == nil || stderrors.Is(err, sql.ErrNoRows) {
		return err
	}
	return apperrors.NewDatabaseFailedError(op, err)
}

// isTransient reports errors worth retrying: lost connections and
// serialization or deadlock conflicts.
func isTransient(err error) bool {
	if err == nil || stderrors.Is(err, sql.ErrNoRows) {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return false
}

// jsonb marshals v for a JSONB column; nil stays NULL
func jsonb(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(sanitizeJSONForPostgres(data)), nil
}

// sanitizeJSONForPostgres drops \u0000 escapes, which JSONB rejects, and
// blanks other control-character escapes
func sanitizeJSONForPostgres(data []byte) []byte {
	data = nullEscape.ReplaceAll(data, []byte{})
	return controlEscape.ReplaceAll(data, []byte(" "))
}
