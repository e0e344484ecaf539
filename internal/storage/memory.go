package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	documents []Document
	results   []OCRRecord
	metrics   []Metrics
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InsertDocument(ctx context.Context, doc *Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *doc
	d.ID = int64(len(m.documents) + 1)
	d.Tags = append([]string(nil), doc.Tags...)
	m.documents = append(m.documents, d)
	return d.ID, nil
}

func (m *MemoryStore) InsertOCRResult(ctx context.Context, rec *OCRRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rec
	r.Confidence = sanitizeConfidence(r.Confidence)
	m.results = append(m.results, r)
	return int64(len(m.results)), nil
}

// CheckDuplicate ignores failure records so a failed file can be retried
func (m *MemoryStore) CheckDuplicate(ctx context.Context, contentHash string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.ContentHash == contentHash && d.Status != StatusFailed {
			return d.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m *MemoryStore) GetDocumentPath(ctx context.Context, id int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 1 || int(id) > len(m.documents) {
		return "", false, nil
	}
	return m.documents[id-1].Path, true, nil
}

func (m *MemoryStore) InsertMetrics(ctx context.Context, metrics *Metrics) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, *metrics)
	return int64(len(m.metrics)), nil
}

func (m *MemoryStore) Close() error { return nil }

// Documents returns a copy of the stored documents
func (m *MemoryStore) Documents() []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Document(nil), m.documents...)
}

// Results returns a copy of the stored OCR records
func (m *MemoryStore) Results() []OCRRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OCRRecord(nil), m.results...)
}

// Metrics returns a copy of the stored batch metrics
func (m *MemoryStore) Metrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Metrics(nil), m.metrics...)
}
