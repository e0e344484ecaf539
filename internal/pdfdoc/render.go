// Package pdfdoc turns PDF files into page rasters or, for digitally
// authored PDFs, into text blocks read straight from the text layer.
package pdfdoc

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
)

// Renderer rasterizes every page of a document
type Renderer interface {
	Render(ctx context.Context, path string) ([]image.Image, error)
}

// PopplerRenderer renders PDF pages with pdftoppm (poppler-utils)
type PopplerRenderer struct {
	// directory holding pdftoppm; empty means $PATH
	BinDir string
	DPI    int
	// concurrent pdftoppm processes; 0 means NumCPU
	Workers int
}

// NewPopplerRenderer creates a renderer at the given resolution
func NewPopplerRenderer(binDir string, dpi int) *PopplerRenderer {
	if dpi <= 0 {
		dpi = 200
	}
	return &PopplerRenderer{BinDir: binDir, DPI: dpi}
}

func (r *PopplerRenderer) binary() string {
	if r.BinDir == "" {
		return "pdftoppm"
	}
	return filepath.Join(r.BinDir, "pdftoppm")
}

// Available reports whether pdftoppm can be executed
func (r *PopplerRenderer) Available() bool {
	_, err := exec.LookPath(r.binary())
	return err == nil
}

// PageCount returns the number of pages in the PDF
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Render rasterizes every page, in page order
func (r *PopplerRenderer) Render(ctx context.Context, path string) ([]image.Image, error) {
	pageCount, err := PageCount(path)
	if err != nil {
		return nil, err
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	tmpDir, err := os.MkdirTemp("", "digitizer-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pages := make([]image.Image, pageCount)
	errs := make([]error, pageCount)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for page := 1; page <= pageCount; page++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(page int) {
			defer wg.Done()
			defer func() { <-sem }()
			pages[page-1], errs[page-1] = r.renderPage(ctx, path, tmpDir, page)
		}(page)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
	}
	return pages, nil
}

// renderPage runs pdftoppm for a single page.
// -singlefile writes <prefix>.png without a page suffix.
func (r *PopplerRenderer) renderPage(ctx context.Context, pdfPath, tmpDir string, page int) (image.Image, error) {
	prefix := filepath.Join(tmpDir, fmt.Sprintf("page-%d", page))
	pageStr := strconv.Itoa(page)

	cmd := exec.CommandContext(ctx, r.binary(),
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(r.DPI),
		"-singlefile",
		pdfPath,
		prefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	imgs, err := imaging.LoadPages(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return imgs[0], nil
}

// FileRenderer dispatches on file type: PDFs go through the PDF renderer,
// raster formats are decoded frame by frame.
type FileRenderer struct {
	PDF Renderer
}

// Render implements Renderer
func (r *FileRenderer) Render(ctx context.Context, path string) ([]image.Image, error) {
	if IsPDF(path) {
		if r.PDF == nil {
			return nil, fmt.Errorf("no PDF renderer configured")
		}
		return r.PDF.Render(ctx, path)
	}
	return imaging.LoadPages(path)
}

// IsPDF checks the extension first and the magic bytes second
func IsPDF(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 5)
	n, _ := f.Read(head)
	return n == 5 && string(head) == "%PDF-"
}
