package pest

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

// Store is the slice of the relational store the knowledge base needs.
type Store interface {
	GetPest(ctx context.Context, id int64) (*models.Pest, error)
	GetPestByCate(ctx context.Context, cate string) (*models.Pest, error)
	ListPests(ctx context.Context, nameFilter string, page, perPage int) ([]models.PestSummary, int, error)
	UpsertPest(ctx context.Context, p *models.Pest) (int64, error)
	AllPests(ctx context.Context) ([]models.Pest, error)
}

// Lookup resolves model class labels to knowledge-base pests by exact match
// on the cate column. Misses are cached too, so unknown labels do not hit
// the database on every detection.
type Lookup struct {
	store Store
	cache *cache.Cache
}

type cacheEntry struct {
	pest *models.Pest
}

// NewLookup caches labels for ttl. A zero ttl disables caching.
func NewLookup(store Store, ttl time.Duration) *Lookup {
	l := &Lookup{store: store}
	if ttl > 0 {
		l.cache = cache.New(ttl, 2*ttl)
	}
	return l
}

// ByLabel returns nil, nil when no pest carries the label.
func (l *Lookup) ByLabel(ctx context.Context, label string) (*models.Pest, error) {
	if label == "" {
		return nil, nil
	}

	if l.cache != nil {
		if v, ok := l.cache.Get(label); ok {
			metrics.CacheHits.WithLabelValues("pest_label").Inc()
			return v.(cacheEntry).pest, nil
		}
		metrics.CacheMisses.WithLabelValues("pest_label").Inc()
	}

	p, err := l.store.GetPestByCate(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pest for label %q: %w", label, err)
	}

	if l.cache != nil {
		l.cache.SetDefault(label, cacheEntry{pest: p})
	}

	if p == nil {
		logger.Debug("No pest matches label", zap.String("label", label))
	}
	return p, nil
}

func (l *Lookup) Invalidate(label string) {
	if l.cache != nil {
		l.cache.Delete(label)
	}
}

func (l *Lookup) Flush() {
	if l.cache != nil {
		l.cache.Flush()
	}
}
