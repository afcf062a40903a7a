package pest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/internal/vector/milvus"
	"github.com/pestwatch/backend/pkg/logger"
)

var ErrSearchDisabled = errors.New("semantic pest search is not configured")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Replace(ctx context.Context, vectors []milvus.PestVector) error
	Search(ctx context.Context, embedding []float32, topK int) ([]milvus.SearchResult, error)
}

type SearchHit struct {
	Pest  models.Pest `json:"pest"`
	Score float32     `json:"score"`
}

// Searcher answers free-text pest questions ("white insects on rice leaves")
// by nearest-neighbour search over embedded knowledge-base entries.
type Searcher struct {
	store    Store
	embedder Embedder
	index    VectorIndex
}

func NewSearcher(store Store, embedder Embedder, index VectorIndex) *Searcher {
	return &Searcher{store: store, embedder: embedder, index: index}
}

func (s *Searcher) Enabled() bool {
	return s != nil && s.embedder != nil && s.index != nil
}

func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if !s.Enabled() {
		return nil, ErrSearchDisabled
	}
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.index.Search(ctx, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search pest index: %w", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		p, err := s.store.GetPest(ctx, r.PestID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			// Deleted since the last reindex.
			continue
		}
		hits = append(hits, SearchHit{Pest: *p, Score: r.Score})
	}

	return hits, nil
}

// Reindex embeds every pest and replaces the vector collection contents.
func (s *Searcher) Reindex(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, ErrSearchDisabled
	}

	start := time.Now()

	pests, err := s.store.AllPests(ctx)
	if err != nil {
		return 0, err
	}

	vectors := make([]milvus.PestVector, 0, len(pests))
	for _, p := range pests {
		embedding, err := s.embedder.Embed(ctx, Document(p))
		if err != nil {
			return 0, fmt.Errorf("failed to embed pest %d: %w", p.ID, err)
		}
		vectors = append(vectors, milvus.PestVector{PestID: p.ID, Cate: p.Cate, Embedding: embedding})
	}

	if err := s.index.Replace(ctx, vectors); err != nil {
		return 0, fmt.Errorf("failed to write pest index: %w", err)
	}

	metrics.PestsIndexed.Set(float64(len(vectors)))
	logger.Info("Pest index rebuilt",
		zap.Int("pests", len(vectors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return len(vectors), nil
}

// Document renders the fields that describe what a pest looks like and
// what it does, which is what users describe when they search.
func Document(p models.Pest) string {
	parts := []struct{ label, value string }{
		{"Name", p.Name},
		{"Alias", p.Alias},
		{"Taxonomy", p.Taxonomy},
		{"Adult", p.AdultFeatures},
		{"Larva", p.LarvalFeatures},
		{"Hosts", p.HostRange},
		{"Damage symptoms", p.DamageSymptoms},
		{"Damage method", p.DamageMethod},
		{"Distribution", p.GeographicalDistribution},
	}

	var b strings.Builder
	for _, part := range parts {
		if strings.TrimSpace(part.value) == "" {
			continue
		}
		b.WriteString(part.label)
		b.WriteString(": ")
		b.WriteString(part.value)
		b.WriteString("\n")
	}
	return b.String()
}

// ScheduleReindex runs Reindex on the given cron spec until the returned
// cron is stopped.
func ScheduleReindex(spec string, s *Searcher) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := s.Reindex(ctx); err != nil {
			logger.Error("Scheduled pest reindex failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reindex schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("Pest reindex scheduled", zap.String("cron", spec))
	return c, nil
}
