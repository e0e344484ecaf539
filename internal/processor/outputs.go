package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/adverant/nexus/digitizer-worker/internal/tables"
)

// Output formats written next to a processed file
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Summary is the JSON side output of a processed document
type Summary struct {
	Filename    string          `json:"filename"`
	Path        string          `json:"path"`
	Language    string          `json:"language,omitempty"`
	Confidence  float64         `json:"confidence"`
	Handwritten bool            `json:"is_handwritten,omitempty"`
	Blocks      []BlockResult   `json:"blocks"`
	Tables      []tables.Result `json:"tables"`
	Text        string          `json:"text"`
}

// writeOutputs writes the configured side outputs beside dest
func (p *DocumentProcessor) writeOutputs(dest string, summary Summary, markdown string) error {
	base := strings.TrimSuffix(dest, filepath.Ext(dest))

	if p.wants(FormatJSON) {
		if summary.Blocks == nil {
			summary.Blocks = []BlockResult{}
		}
		if summary.Tables == nil {
			summary.Tables = []tables.Result{}
		}
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		if err := os.WriteFile(base+".json", data, 0o644); err != nil {
			return err
		}
	}

	if markdown == "" {
		return nil
	}
	if p.wants(FormatMarkdown) {
		if err := os.WriteFile(base+".md", []byte(markdown), 0o644); err != nil {
			return err
		}
	}
	if p.wants(FormatHTML) {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
			return fmt.Errorf("failed to render html: %w", err)
		}
		if err := os.WriteFile(base+".html", buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}
