package layout

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/digitizer-worker/internal/clients"
	"github.com/adverant/nexus/digitizer-worker/internal/imaging"
)

// LayoutClient is the sidecar call ServiceModel needs
type LayoutClient interface {
	AnalyzeLayout(ctx context.Context, imageData []byte) ([]clients.LayoutRegion, error)
}

// ServiceModel runs layout analysis on the model sidecar
type ServiceModel struct {
	client LayoutClient
}

// NewServiceModel wraps a sidecar client
func NewServiceModel(client LayoutClient) *ServiceModel {
	return &ServiceModel{client: client}
}

// Detect sends the page as PNG and converts the returned regions
func (m *ServiceModel) Detect(ctx context.Context, page image.Image) ([]Region, error) {
	data, err := imaging.EncodePNG(page)
	if err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}

	raw, err := m.client.AnalyzeLayout(ctx, data)
	if err != nil {
		return nil, err
	}

	regions := make([]Region, 0, len(raw))
	for _, r := range raw {
		regions = append(regions, Region{Type: r.Type, BBox: r.BBox, Score: r.Score})
	}
	return regions, nil
}
