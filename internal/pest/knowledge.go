package pest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Knowledge serves read access to the pest knowledge base and routes writes
// so the label cache stays consistent.
type Knowledge struct {
	store  Store
	lookup *Lookup
}

func NewKnowledge(store Store, lookup *Lookup) *Knowledge {
	return &Knowledge{store: store, lookup: lookup}
}

type ListResult struct {
	Pests []models.PestSummary
	Page  models.Page
}

func (k *Knowledge) List(ctx context.Context, nameFilter string, page, perPage int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	pests, total, err := k.store.ListPests(ctx, nameFilter, page, perPage)
	if err != nil {
		return nil, err
	}

	return &ListResult{Pests: pests, Page: models.NewPage(total, page, perPage)}, nil
}

// Get returns nil, nil when the pest does not exist.
func (k *Knowledge) Get(ctx context.Context, id int64) (*models.Pest, error) {
	return k.store.GetPest(ctx, id)
}

// Upsert stores p and drops cached lookups for both its old and new label.
func (k *Knowledge) Upsert(ctx context.Context, p *models.Pest) (int64, error) {
	var oldCate string
	if p.ID != 0 {
		existing, err := k.store.GetPest(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			oldCate = existing.Cate
		}
	}

	id, err := k.store.UpsertPest(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("failed to save pest %q: %w", p.Name, err)
	}

	if k.lookup != nil {
		k.lookup.Invalidate(p.Cate)
		if oldCate != "" && oldCate != p.Cate {
			k.lookup.Invalidate(oldCate)
		}
	}

	logger.Info("Pest saved", zap.Int64("pest_id", id), zap.String("name", p.Name), zap.String("cate", p.Cate))
	return id, nil
}
