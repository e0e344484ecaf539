/**
 * OCR engine abstraction
 *
 * Every recognizer (local Tesseract, the model sidecar, Google Vision)
 * satisfies Engine. Engines are built by a Factory and shared through a
 * Registry so that one process never loads the same model twice.
 */

package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// Known engine names
const (
	EngineTesseract = "tesseract"
	EnginePaddle    = "paddleocr"
	EngineEasy      = "easyocr"
	EngineSurya     = "surya"
	EngineVision    = "vision"

	// EngineAuto routes each image to an engine by content type
	EngineAuto = "auto"
)

// Result is the text and confidence produced for one image
type Result struct {
	Text       string
	Confidence float64
	Engine     string
}

// Empty reports whether no text was recognized
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Engine recognizes the text in one image
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img image.Image) (Result, error)
}

// Device is where an engine runs
type Device struct {
	GPU   bool
	Index int
}

func (d Device) String() string {
	if !d.GPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.Index)
}

// Spec describes one engine instance
type Spec struct {
	Name            string
	Lang            string
	Langs           []string
	Endpoint        string
	CredentialsFile string
	Device          Device
}

// Key identifies an instance in the registry
func (s Spec) Key() string {
	lang := s.Lang
	if lang == "" {
		lang = strings.Join(s.Langs, "+")
	}
	return strings.ToLower(s.Name) + "|" + s.Device.String() + "|" + lang
}

// Factory builds an engine. It may be slow (model loading) and is called
// at most once per Spec.Key by the Registry.
type Factory func(ctx context.Context, spec Spec) (Engine, error)

// normalize trims the text and clamps the confidence to [0,1]
func normalize(r Result, engine string) Result {
	r.Text = strings.TrimSpace(r.Text)
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if r.Engine == "" {
		r.Engine = engine
	}
	if r.Text == "" {
		r.Confidence = 0
	}
	return r
}
