package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/processor"
	"github.com/adverant/nexus/digitizer-worker/internal/storage"
)

// Metrics aggregates the outcome of a batch
type Metrics struct {
	OK             int
	Failed         int
	Duplicate      int
	AvgDuration    time.Duration
	ReliabilityPct float64
}

// ComputeMetrics averages durations over OK and FAILED files. Reliability
// is OK/(OK+FAILED)*100 and 0 when neither occurred.
func ComputeMetrics(results []processor.FileResult) Metrics {
	var (
		m     Metrics
		total time.Duration
	)
	for _, r := range results {
		switch r.Status {
		case storage.StatusOK:
			m.OK++
			total += r.Duration
		case storage.StatusFailed:
			m.Failed++
			total += r.Duration
		case storage.StatusDuplicate:
			m.Duplicate++
		}
	}
	if n := m.OK + m.Failed; n > 0 {
		m.AvgDuration = total / time.Duration(n)
		m.ReliabilityPct = float64(m.OK) / float64(n) * 100
	}
	return m
}

// Record converts metrics for the document store
func (m Metrics) Record(at time.Time) *storage.Metrics {
	return &storage.Metrics{
		Timestamp:      at,
		OKDocs:         m.OK,
		FailedDocs:     m.Failed,
		AvgTime:        m.AvgDuration.Seconds(),
		ReliabilityPct: m.ReliabilityPct,
	}
}

// WriteReport writes {timestamp}_summary.csv into dir with one row per file
// and returns its path.
func WriteReport(dir string, results []processor.FileResult, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, at.Format("20060102_150405")+"_summary.csv")

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"filename", "status", "duration", "type"}); err != nil {
		return "", err
	}
	for _, r := range results {
		row := []string{
			r.Filename,
			r.Status,
			strconv.FormatFloat(r.Duration.Seconds(), 'f', 2, 64),
			r.Type,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, f.Close()
}
