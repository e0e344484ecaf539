/**
 * OCR Engine Adapter
 *
 * Uniform extraction surface over the configured engines:
 * - primary / secondary / explicit-engine calls for one region
 * - "auto" routing by content type (tables vs. running text)
 * - fallback through every other initialized engine
 * - whole-document extraction with preprocessing and a secondary pass
 *
 * Engine errors stop here; callers always get a Result.
 */

package ocr

import (
	"context"
	"image"
	"strings"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// Block roles accepted by ExtractBlock
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// EngineOptions configures one engine for the adapter
type EngineOptions struct {
	Name            string
	Lang            string
	Langs           []string
	Endpoint        string
	CredentialsFile string
	GPU             bool
}

// Routing holds the engine preference per content type for "auto"
type Routing struct {
	Table []string
	Text  []string
}

// DefaultRouting prefers structure-aware models for tables
func DefaultRouting() Routing {
	return Routing{
		Table: []string{EngineSurya, EnginePaddle, EngineEasy},
		Text:  []string{EnginePaddle, EngineEasy, EngineSurya},
	}
}

// Options configures an Adapter
type Options struct {
	Engines   []EngineOptions
	Primary   string
	Secondary string
	Languages []string
	Routing   Routing

	// GPUCount is the number of detected devices, GPUID the one this
	// adapter should use (taken modulo GPUCount).
	GPUCount int
	GPUID    int

	// Preprocess is applied on the whole-document path; nil disables it
	Preprocess *imaging.PreprocessOptions
}

// DocumentResult is the outcome of ExtractDocument
type DocumentResult struct {
	Text            string
	Language        string
	Confidence      float64
	Handwritten     bool
	PageConfidences []float64
}

// Adapter runs recognition through the configured engines
type Adapter struct {
	engines    map[string]Engine
	order      []string
	primary    string
	secondary  string
	languages  []string
	routing    Routing
	preprocess *imaging.PreprocessOptions
	logger     *logging.Logger
}

// NewAdapter initializes every configured engine through the registry.
// Engines that fail to initialize are skipped; if none is left the
// adapter cannot work and ErrorEngineUnavailable is returned.
func NewAdapter(ctx context.Context, registry *Registry, opts Options) (*Adapter, error) {
	logger := logging.NewLogger("OCRAdapter")

	a := &Adapter{
		engines:    make(map[string]Engine),
		languages:  opts.Languages,
		routing:    opts.Routing,
		preprocess: opts.Preprocess,
		logger:     logger,
	}
	if len(a.routing.Table) == 0 && len(a.routing.Text) == 0 {
		a.routing = DefaultRouting()
	}

	for _, eo := range opts.Engines {
		name := strings.ToLower(strings.TrimSpace(eo.Name))
		if name == "" {
			continue
		}
		if _, dup := a.engines[name]; dup {
			continue
		}

		device := Device{}
		if eo.GPU && opts.GPUCount > 0 {
			device = Device{GPU: true, Index: opts.GPUID % opts.GPUCount}
		}
		logger.Info("Device selection", "engine", name, "device", device.String())

		engine, err := registry.Get(ctx, Spec{
			Name:            name,
			Lang:            eo.Lang,
			Langs:           eo.Langs,
			Endpoint:        eo.Endpoint,
			CredentialsFile: eo.CredentialsFile,
			Device:          device,
		})
		if err != nil {
			continue
		}
		a.engines[name] = engine
		a.order = append(a.order, name)
	}

	if len(a.order) == 0 {
		return nil, apperrors.NewEngineUnavailableError(opts.Primary, nil)
	}

	a.primary = strings.ToLower(strings.TrimSpace(opts.Primary))
	if a.primary == "" {
		a.primary = a.order[0]
	}
	if a.primary != EngineAuto && a.engines[a.primary] == nil {
		logger.Warn("Primary engine unavailable, using first available engine",
			"requested", a.primary,
			"using", a.order[0])
		a.primary = a.order[0]
	}
	a.secondary = a.resolveSecondary(strings.ToLower(strings.TrimSpace(opts.Secondary)))

	logger.Info("OCR adapter ready",
		"engines", strings.Join(a.order, ","),
		"primary", a.primary,
		"secondary", a.secondary)
	return a, nil
}

// resolveSecondary picks the configured secondary when available, else the
// first available engine distinct from the primary, else nothing. In auto
// mode without a configured secondary it stays empty and the secondary is
// chosen per image, distinct from the engine that answered.
func (a *Adapter) resolveSecondary(requested string) string {
	if requested != "" && requested != EngineAuto && requested != a.primary && a.engines[requested] != nil {
		return requested
	}
	if a.primary == EngineAuto {
		return ""
	}
	for _, name := range a.order {
		if name != a.primary {
			return name
		}
	}
	return ""
}

// PrimaryName is the primary engine, or "auto"
func (a *Adapter) PrimaryName() string { return a.primary }

// SecondaryName is the configured secondary engine, "" when there is none
// or when it is chosen per image in auto mode
func (a *Adapter) SecondaryName() string { return a.secondary }

// HasSecondary reports whether a distinct secondary engine is available
func (a *Adapter) HasSecondary() bool {
	return a.secondary != "" || (a.primary == EngineAuto && len(a.order) > 1)
}

// Language is the first configured language, "" when none
func (a *Adapter) Language() string {
	if len(a.languages) == 0 {
		return ""
	}
	return a.languages[0]
}

// Engines lists the initialized engines in configuration order
func (a *Adapter) Engines() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Extract runs the primary path on a whole image
func (a *Adapter) Extract(ctx context.Context, img image.Image) Result {
	return a.runPrimary(ctx, img)
}

// ExtractBlock crops bbox out of img and recognizes it with the engine
// named by role ("primary", "secondary", or an engine name). A crop that
// is empty after clamping yields an empty result without calling any engine.
func (a *Adapter) ExtractBlock(ctx context.Context, img image.Image, bbox [4]int, role string) Result {
	crop := imaging.Crop(img, bbox)
	if crop == nil {
		return Result{}
	}

	switch role = strings.ToLower(role); role {
	case RolePrimary, "":
		return a.runPrimary(ctx, crop)
	case RoleSecondary:
		return a.runSecondary(ctx, crop, a.primaryFor(crop, ""))
	}
	if a.engines[role] != nil {
		return a.run(ctx, role, crop)
	}
	a.logger.Warn("Unknown OCR engine, defaulting to primary", "engine", role)
	return a.runPrimary(ctx, crop)
}

// ExtractSecondary re-reads bbox with an engine other than answeredBy, the
// engine that produced the primary result
func (a *Adapter) ExtractSecondary(ctx context.Context, img image.Image, bbox [4]int, answeredBy string) Result {
	crop := imaging.Crop(img, bbox)
	if crop == nil {
		return Result{}
	}
	return a.runSecondary(ctx, crop, a.primaryFor(crop, answeredBy))
}

// primaryFor is the engine a secondary must differ from: the one that
// answered, else the one the primary path would pick for img
func (a *Adapter) primaryFor(img image.Image, answeredBy string) string {
	if name := strings.ToLower(answeredBy); name != "" {
		return name
	}
	if a.primary == EngineAuto {
		return a.route(img)
	}
	return a.primary
}

// ExtractDocument recognizes whole pages. Each page is scored for
// handwriting on the original, recognized by the primary on the
// preprocessed copy, and re-read by the secondary on the original when
// the primary confidence is below minConfidence.
func (a *Adapter) ExtractDocument(ctx context.Context, pages []image.Image, minConfidence float64) DocumentResult {
	var (
		texts       []string
		confs       []float64
		handwriting float64
	)

	for i, page := range pages {
		if ctx.Err() != nil {
			break
		}
		if score := imaging.HandwritingProbability(page); score > handwriting {
			handwriting = score
		}

		input := page
		if a.preprocess != nil {
			prepared, angle := imaging.Preprocess(page, *a.preprocess)
			if angle != 0 {
				a.logger.Debug("Page deskewed", "page", i+1, "angle", angle)
			}
			input = prepared
		}

		res := a.runPrimary(ctx, input)
		if a.HasSecondary() && res.Confidence < minConfidence {
			alt := a.runSecondary(ctx, page, a.primaryFor(page, res.Engine))
			if !alt.Empty() && alt.Confidence > res.Confidence {
				res = alt
			}
		}

		if !res.Empty() {
			texts = append(texts, res.Text)
		}
		confs = append(confs, res.Confidence)
	}

	out := DocumentResult{
		Text:            strings.TrimSpace(strings.Join(texts, "\n")),
		Handwritten:     handwriting > 0.5,
		PageConfidences: confs,
	}
	if len(confs) > 0 {
		var sum float64
		for _, c := range confs {
			sum += c
		}
		out.Confidence = sum / float64(len(confs))
	}
	if out.Text != "" && len(a.languages) > 0 {
		out.Language = a.languages[0]
	}
	return out
}

func (a *Adapter) runPrimary(ctx context.Context, img image.Image) Result {
	name := a.primary
	if name == EngineAuto {
		name = a.route(img)
	}

	if a.engines[name] != nil {
		if res := a.run(ctx, name, img); !res.Empty() {
			return res
		}
	}

	for _, other := range a.order {
		if other == name {
			continue
		}
		if res := a.run(ctx, other, img); !res.Empty() {
			a.logger.Debug("Fallback engine produced text", "engine", other, "primary", name)
			return res
		}
	}
	return Result{}
}

func (a *Adapter) runSecondary(ctx context.Context, img image.Image, exclude string) Result {
	name := a.secondary
	if name == "" || name == exclude {
		name = a.pickSecondary(img, exclude)
	}
	if name == "" {
		return Result{}
	}
	return a.run(ctx, name, img)
}

// pickSecondary returns the first engine other than exclude, walking the
// routing preferences for img in auto mode and the configuration order
// otherwise
func (a *Adapter) pickSecondary(img image.Image, exclude string) string {
	var prefs []string
	if a.primary == EngineAuto {
		prefs = a.routing.Text
		if imaging.ClassifyContent(img) == imaging.ContentTable {
			prefs = a.routing.Table
		}
	} else if a.secondary == "" {
		return ""
	}
	candidates := make([]string, 0, len(prefs)+len(a.order))
	candidates = append(candidates, prefs...)
	candidates = append(candidates, a.order...)
	for _, name := range candidates {
		name = strings.ToLower(name)
		if name != exclude && name != EngineAuto && a.engines[name] != nil {
			return name
		}
	}
	return ""
}

// route picks the engine for img when the primary is "auto"
func (a *Adapter) route(img image.Image) string {
	prefs := a.routing.Text
	if imaging.ClassifyContent(img) == imaging.ContentTable {
		prefs = a.routing.Table
	}
	for _, name := range prefs {
		if a.engines[strings.ToLower(name)] != nil {
			return strings.ToLower(name)
		}
	}
	return a.order[0]
}

func (a *Adapter) run(ctx context.Context, name string, img image.Image) (res Result) {
	engine := a.engines[name]
	if engine == nil {
		return Result{}
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("OCR engine panicked", "engine", name, "panic", r)
			res = Result{}
		}
	}()

	out, err := engine.Recognize(ctx, img)
	if err != nil {
		a.logger.Warn("OCR engine failed", "error", apperrors.NewOCRFailedError("", name, err))
		return Result{}
	}
	return normalize(out, name)
}
