/**
 * OCR Service Client - HTTP bridge to model-serving sidecars
 *
 * PaddleOCR, EasyOCR, Surya and PP-Structure run as Python model servers.
 * This client speaks their JSON envelope:
 *   POST /api/ocr     → recognized lines for one image
 *   POST /api/layout  → labelled regions for one page
 *   POST /api/table   → table structure for one crop
 *   GET  /health
 * Responses share {success, data, message}.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// OCRServiceClient handles communication with one model-serving sidecar
type OCRServiceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// RecognizeRequest asks a sidecar engine to read one image
type RecognizeRequest struct {
	Engine string `json:"engine"`
	Image  string `json:"image"`  // Base64 encoded PNG
	Format string `json:"format"` // always "base64"
	Lang   string `json:"lang,omitempty"`
	Device string `json:"device,omitempty"` // "cpu" or "gpu:N"
}

// RecognizeData is the engine's native output. Lines keeps the raw shape
// because each engine nests text and scores differently.
type RecognizeData struct {
	Text           string          `json:"text"`
	Confidence     *float64        `json:"confidence,omitempty"`
	Lines          json.RawMessage `json:"lines,omitempty"`
	ModelUsed      string          `json:"modelUsed"`
	ProcessingTime int64           `json:"processingTime"` // milliseconds
}

// LayoutRegion is one region proposed by the structure model
type LayoutRegion struct {
	Type  string    `json:"type"`
	BBox  []float64 `json:"bbox"`
	Score float64   `json:"score"`
}

// TableCell is one recognized table cell
type TableCell struct {
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	RowSpan int    `json:"row_span,omitempty"`
	ColSpan int    `json:"col_span,omitempty"`
	Text    string `json:"text"`
}

// TableStructure is the recognition payload of a table item
type TableStructure struct {
	HTML  string      `json:"html,omitempty"`
	Cells []TableCell `json:"cells"`
}

// TableItem is one structure-model result; only Type "table" carries cells
type TableItem struct {
	Type string         `json:"type"`
	BBox []float64      `json:"bbox,omitempty"`
	Res  TableStructure `json:"res"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// NewOCRServiceClient creates a client; model inference can be slow so the
// timeout is generous by default.
func NewOCRServiceClient(baseURL string, timeout time.Duration) *OCRServiceClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OCRServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("OCRServiceClient"),
	}
}

// BaseURL returns the sidecar address
func (c *OCRServiceClient) BaseURL() string {
	return c.baseURL
}

// Recognize runs engine on a PNG-encoded image
func (c *OCRServiceClient) Recognize(ctx context.Context, engine string, imageData []byte, lang, device string) (*RecognizeData, error) {
	req := &RecognizeRequest{
		Engine: engine,
		Image:  base64.StdEncoding.EncodeToString(imageData),
		Format: "base64",
		Lang:   lang,
		Device: device,
	}

	var data RecognizeData
	if err := c.postJSON(ctx, "/api/ocr", req, &data); err != nil {
		return nil, err
	}

	c.logger.Debug("Recognition complete",
		"engine", engine,
		"modelUsed", data.ModelUsed,
		"processingTime", data.ProcessingTime,
		"textLength", len(data.Text))
	return &data, nil
}

// AnalyzeLayout returns the labelled regions of one page image
func (c *OCRServiceClient) AnalyzeLayout(ctx context.Context, imageData []byte) ([]LayoutRegion, error) {
	req := map[string]interface{}{
		"image":  base64.StdEncoding.EncodeToString(imageData),
		"format": "base64",
	}

	var data struct {
		Regions []LayoutRegion `json:"regions"`
	}
	if err := c.postJSON(ctx, "/api/layout", req, &data); err != nil {
		return nil, err
	}
	return data.Regions, nil
}

// RecognizeTable runs table structure recognition on a cropped region
func (c *OCRServiceClient) RecognizeTable(ctx context.Context, imageData []byte) ([]TableItem, error) {
	req := map[string]interface{}{
		"image":  base64.StdEncoding.EncodeToString(imageData),
		"format": "base64",
	}

	var data struct {
		Items []TableItem `json:"items"`
	}
	if err := c.postJSON(ctx, "/api/table", req, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

// Health checks that the sidecar is serving
func (c *OCRServiceClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("X-Source", "digitizer-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OCRServiceClient) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	endpoint := c.baseURL + path

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "digitizer-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service returned error status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("OCR service operation failed: %s", env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
