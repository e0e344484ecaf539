/**
 * Remote engines - PaddleOCR, EasyOCR and Surya served by the model sidecar
 *
 * The sidecar returns each engine's native line structure; this package
 * flattens it to newline-joined text and a mean line confidence.
 */

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/clients"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
)

// languageCodes maps Tesseract-style codes to the two-letter codes the
// deep-learning engines expect
var languageCodes = map[string]string{
	"spa": "es",
	"eng": "en",
	"fra": "fr",
	"deu": "de",
	"ita": "it",
	"por": "pt",
	"cat": "ca",
}

// Recognizer is the part of the sidecar client an Engine needs
type Recognizer interface {
	Recognize(ctx context.Context, engine string, imageData []byte, lang, device string) (*clients.RecognizeData, error)
}

// Engine forwards recognition of one image to the sidecar
type Engine struct {
	name   string
	lang   string
	device string
	client Recognizer
}

// NewFactory returns a registry factory for sidecar engines. Each spec's
// endpoint (or defaultEndpoint) must answer its health check before the
// engine counts as available.
func NewFactory(defaultEndpoint string, timeout time.Duration) ocr.Factory {
	return func(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
		endpoint := spec.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		if endpoint == "" {
			return nil, fmt.Errorf("no endpoint configured for %s", spec.Name)
		}

		client := clients.NewOCRServiceClient(endpoint, timeout)
		if err := client.Health(ctx); err != nil {
			return nil, err
		}
		return New(spec, client), nil
	}
}

// New wraps an existing client
func New(spec ocr.Spec, client Recognizer) *Engine {
	return &Engine{
		name:   strings.ToLower(spec.Name),
		lang:   Languages(spec),
		device: spec.Device.String(),
		client: client,
	}
}

func (e *Engine) Name() string { return e.name }

// Recognize encodes img as PNG and sends it to the sidecar
func (e *Engine) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("failed to encode image: %w", err)
	}

	resp, err := e.client.Recognize(ctx, e.name, data, e.lang, e.device)
	if err != nil {
		return ocr.Result{}, err
	}

	if len(resp.Lines) > 0 && string(resp.Lines) != "null" {
		texts, confs, err := ParseLines(resp.Lines)
		if err != nil {
			return ocr.Result{}, fmt.Errorf("%s returned malformed lines: %w", e.name, err)
		}
		return ocr.Result{Text: strings.Join(texts, "\n"), Confidence: mean(confs), Engine: e.name}, nil
	}

	res := ocr.Result{Text: resp.Text, Engine: e.name}
	if resp.Confidence != nil {
		res.Confidence = *resp.Confidence
	}
	return res, nil
}

// Languages converts the spec's languages to a comma-separated list of
// two-letter codes. Unknown codes pass through unchanged.
func Languages(spec ocr.Spec) string {
	langs := spec.Langs
	if len(langs) == 0 && spec.Lang != "" {
		langs = strings.Split(spec.Lang, "+")
	}
	out := make([]string, 0, len(langs))
	seen := make(map[string]bool)
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if short, ok := languageCodes[l]; ok {
			l = short
		}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return strings.Join(out, ",")
}

// ParseLines flattens engine line output. Accepted item shapes:
//
//	[box, [text, score]]     PaddleOCR
//	[box, text, conf]        EasyOCR
//	{"res": [...items]}      PP-Structure blocks
//
// Items with empty text are dropped; unknown shapes are skipped.
func ParseLines(raw json.RawMessage) ([]string, []float64, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, err
	}

	var (
		texts []string
		confs []float64
	)
	for _, item := range items {
		trimmed := strings.TrimSpace(string(item))
		if strings.HasPrefix(trimmed, "{") {
			var block struct {
				Res json.RawMessage `json:"res"`
			}
			if json.Unmarshal(item, &block) != nil || len(block.Res) == 0 || !strings.HasPrefix(strings.TrimSpace(string(block.Res)), "[") {
				continue
			}
			t, c, err := ParseLines(block.Res)
			if err != nil {
				continue
			}
			texts = append(texts, t...)
			confs = append(confs, c...)
			continue
		}

		var parts []json.RawMessage
		if json.Unmarshal(item, &parts) != nil || len(parts) < 2 {
			continue
		}

		text, conf, ok := parseLine(parts)
		if !ok {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
			confs = append(confs, conf)
		}
	}
	return texts, confs, nil
}

func parseLine(parts []json.RawMessage) (string, float64, bool) {
	var text string
	if json.Unmarshal(parts[1], &text) == nil {
		var conf float64
		if len(parts) > 2 {
			json.Unmarshal(parts[2], &conf)
		}
		return text, conf, true
	}

	var pair []json.RawMessage
	if json.Unmarshal(parts[1], &pair) != nil || len(pair) == 0 {
		return "", 0, false
	}
	if json.Unmarshal(pair[0], &text) != nil {
		return "", 0, false
	}
	var conf float64
	if len(pair) > 1 {
		json.Unmarshal(pair[1], &conf)
	}
	return text, conf, true
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
