package tables

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/digitizer-worker/internal/clients"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
)

// TableClient is the sidecar call ServiceRecognizer needs
type TableClient interface {
	RecognizeTable(ctx context.Context, imageData []byte) ([]clients.TableItem, error)
}

// ServiceRecognizer runs table structure recognition on the model sidecar
type ServiceRecognizer struct {
	client TableClient
}

// NewServiceRecognizer wraps a sidecar client
func NewServiceRecognizer(client TableClient) *ServiceRecognizer {
	return &ServiceRecognizer{client: client}
}

// RecognizeTable sends the crop as PNG
func (r *ServiceRecognizer) RecognizeTable(ctx context.Context, crop image.Image) ([]Item, error) {
	data, err := imaging.EncodePNG(crop)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table crop: %w", err)
	}

	raw, err := r.client.RecognizeTable(ctx, data)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raw))
	for _, it := range raw {
		cells := make([]Cell, 0, len(it.Res.Cells))
		for _, c := range it.Res.Cells {
			cells = append(cells, Cell{Row: c.Row, Col: c.Col, RowSpan: c.RowSpan, ColSpan: c.ColSpan, Text: c.Text})
		}
		items = append(items, Item{
			Type:      it.Type,
			Structure: Structure{HTML: it.Res.HTML, Cells: cells},
		})
	}
	return items, nil
}
