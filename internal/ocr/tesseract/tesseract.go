/**
 * Tesseract engine - local, offline recognition through gosseract
 *
 * gosseract clients are not safe for concurrent use, so the engine keeps
 * a small pool and hands one client to each in-flight call.
 */

package tesseract

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
)

// DefaultLanguages is used when Spec.Lang is empty
const DefaultLanguages = "spa+eng"

// Engine recognizes text with libtesseract
type Engine struct {
	languages []string
	pool      chan *gosseract.Client
}

// Factory builds a Tesseract engine for the registry
func Factory(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
	return New(spec.Lang, runtime.NumCPU())
}

// New creates an engine for a "+"-separated language list
func New(lang string, poolSize int) (*Engine, error) {
	if strings.TrimSpace(lang) == "" {
		lang = DefaultLanguages
	}
	if poolSize < 1 {
		poolSize = 1
	}

	return &Engine{
		languages: strings.Split(lang, "+"),
		pool:      make(chan *gosseract.Client, poolSize),
	}, nil
}

func (e *Engine) Name() string { return ocr.EngineTesseract }

// Recognize runs Tesseract on img. Confidence is the mean word confidence.
func (e *Engine) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}

	data, err := imaging.EncodePNG(img)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("failed to encode image: %w", err)
	}

	client, err := e.acquire()
	if err != nil {
		return ocr.Result{}, err
	}
	defer e.release(client)

	if err := client.SetImageFromBytes(data); err != nil {
		return ocr.Result{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("failed to read word confidences: %w", err)
	}

	return ocr.Result{
		Text:       text,
		Confidence: meanConfidence(boxes),
		Engine:     ocr.EngineTesseract,
	}, nil
}

// Close releases every pooled client
func (e *Engine) Close() error {
	for {
		select {
		case c := <-e.pool:
			c.Close()
		default:
			return nil
		}
	}
}

func (e *Engine) newClient() (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(e.languages...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set languages %v: %w", e.languages, err)
	}
	return client, nil
}

func (e *Engine) acquire() (*gosseract.Client, error) {
	select {
	case c := <-e.pool:
		return c, nil
	default:
		return e.newClient()
	}
}

func (e *Engine) release(c *gosseract.Client) {
	select {
	case e.pool <- c:
	default:
		c.Close()
	}
}

// meanConfidence averages word confidences (0-100) into [0,1]
func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	var sum float64
	n := 0
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" || b.Confidence < 0 {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 100
}
