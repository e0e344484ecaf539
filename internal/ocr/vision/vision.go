/**
 * Google Cloud Vision engine
 *
 * DOCUMENT_TEXT_DETECTION on one image. Confidence is the mean block
 * confidence of the full text annotation.
 */

package vision

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	visionapi "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/ocr"
)

// Annotator is the part of the Vision client the engine uses
type Annotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
}

// Engine calls the Vision API
type Engine struct {
	client    Annotator
	closer    func() error
	languages []string
}

// Factory builds a Vision engine. Credentials come from the spec, then
// GOOGLE_CREDENTIALS (inline JSON), then application default credentials.
func Factory(ctx context.Context, spec ocr.Spec) (ocr.Engine, error) {
	var opts []option.ClientOption
	switch {
	case spec.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(spec.CredentialsFile))
	case os.Getenv("GOOGLE_CREDENTIALS") != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(os.Getenv("GOOGLE_CREDENTIALS"))))
	}

	client, err := visionapi.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	e := New(client, languageHints(spec))
	e.closer = client.Close
	return e, nil
}

// New wraps an existing annotator
func New(client Annotator, languages []string) *Engine {
	return &Engine{client: client, languages: languages}
}

func (e *Engine) Name() string { return ocr.EngineVision }

// Recognize sends img for document text detection
func (e *Engine) Recognize(ctx context.Context, img image.Image) (ocr.Result, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("failed to encode image: %w", err)
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: data},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
				ImageContext: &visionpb.ImageContext{LanguageHints: e.languages},
			},
		},
	}

	resp, err := e.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("vision API call failed: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return ocr.Result{}, fmt.Errorf("no response from vision API")
	}

	r := resp.GetResponses()[0]
	if r.GetError() != nil {
		return ocr.Result{}, fmt.Errorf("vision API error: %s", r.GetError().GetMessage())
	}

	annotation := r.GetFullTextAnnotation()
	if annotation == nil {
		return ocr.Result{Engine: ocr.EngineVision}, nil
	}

	var sum float64
	n := 0
	for _, page := range annotation.GetPages() {
		for _, block := range page.GetBlocks() {
			sum += float64(block.GetConfidence())
			n++
		}
	}
	res := ocr.Result{Text: annotation.GetText(), Engine: ocr.EngineVision}
	if n > 0 {
		res.Confidence = sum / float64(n)
	}
	return res, nil
}

// Close releases the underlying client
func (e *Engine) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

// languageHints turns "spa+eng" style codes into BCP-47 hints
func languageHints(spec ocr.Spec) []string {
	langs := spec.Langs
	if len(langs) == 0 && spec.Lang != "" {
		langs = strings.Split(spec.Lang, "+")
	}
	hints := map[string]string{"spa": "es", "eng": "en", "fra": "fr", "deu": "de", "ita": "it", "por": "pt", "cat": "ca"}
	var out []string
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if h, ok := hints[l]; ok {
			l = h
		}
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
