package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// PestVector is one embedded knowledge-base entry.
type PestVector struct {
	PestID    int64
	Cate      string
	Embedding []float32
}

type SearchResult struct {
	PestID int64
	Cate   string
	Score  float32
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
			return fmt.Errorf("failed to load collection: %w", err)
		}
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Pest knowledge-base embeddings",
		Fields: []*entity.Field{
			{
				Name:       "pest_id",
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "cate",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 128)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

type pestColumns struct {
	ids        []int64
	cates      []string
	embeddings [][]float32
}

// splitColumns checks every embedding against the collection dimension and
// lays the vectors out column-wise for insertion.
func splitColumns(vectors []PestVector, dim int) (*pestColumns, error) {
	cols := &pestColumns{
		ids:        make([]int64, len(vectors)),
		cates:      make([]string, len(vectors)),
		embeddings: make([][]float32, len(vectors)),
	}
	for i, v := range vectors {
		if len(v.Embedding) != dim {
			return nil, fmt.Errorf("pest %d: embedding has %d dimensions, collection expects %d", v.PestID, len(v.Embedding), dim)
		}
		cols.ids[i] = v.PestID
		cols.cates[i] = v.Cate
		cols.embeddings[i] = v.Embedding
	}
	return cols, nil
}

// Replace makes the collection hold exactly the given set: vectors are
// upserted first and stale pests deleted afterwards, so a failed write
// leaves the previous index searchable.
func (m *Client) Replace(ctx context.Context, vectors []PestVector) error {
	cols, err := splitColumns(vectors, m.vectorDim)
	if err != nil {
		return err
	}

	if len(vectors) > 0 {
		_, err = m.client.Upsert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnInt64("pest_id", cols.ids),
			entity.NewColumnFloatVector("embedding", m.vectorDim, cols.embeddings),
			entity.NewColumnVarChar("cate", cols.cates),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
	}

	if err := m.client.Delete(ctx, m.collectionName, "", staleExpr(cols.ids)); err != nil {
		return fmt.Errorf("failed to delete stale vectors: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Pest vectors replaced", zap.Int("count", len(vectors)))
	return nil
}

// staleExpr matches every stored pest not in keep.
func staleExpr(keep []int64) string {
	if len(keep) == 0 {
		return "pest_id >= 0"
	}
	ids := make([]string, len(keep))
	for i, id := range keep {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return "pest_id not in [" + strings.Join(ids, ", ") + "]"
}

func (m *Client) Search(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{"pest_id", "cate"},
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("pest_id")
		cateCol := sr.Fields.GetColumn("cate")
		if idCol == nil || cateCol == nil {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, err := idCol.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read pest_id: %w", err)
			}
			cate, err := cateCol.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read cate: %w", err)
			}

			results = append(results, SearchResult{
				PestID: id.(int64),
				Cate:   cate.(string),
				Score:  sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}
