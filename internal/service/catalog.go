package service

import (
	"context"

	"github.com/baechuer/advert-service/internal/domain"
)

// Catalog serves read-only order, video and agency lookups.
type Catalog struct {
	repo domain.CatalogRepository
}

func NewCatalog(repo domain.CatalogRepository) *Catalog {
	return &Catalog{repo: repo}
}

func (c *Catalog) Order(ctx context.Context, orderID string) (domain.Order, error) {
	return c.repo.GetOrder(ctx, orderID)
}

func (c *Catalog) Video(ctx context.Context, videoID int64) (domain.AdvertVideo, error) {
	return c.repo.GetAdvertVideo(ctx, videoID)
}

func (c *Catalog) Agency(ctx context.Context, orgNr string) (domain.Agency, error) {
	return c.repo.GetAgency(ctx, orgNr)
}
