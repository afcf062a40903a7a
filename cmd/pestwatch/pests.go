package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/config"
	"github.com/pestwatch/backend/pkg/logger"
)

type pestFile struct {
	Pests []models.Pest `yaml:"pests"`
}

// loadPestFile reads a YAML knowledge-base file. Every entry needs a name
// and a cate label, and labels must be unique within the file.
func loadPestFile(path string) ([]models.Pest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pest file: %w", err)
	}

	var f pestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pest file: %w", err)
	}

	seen := make(map[string]int, len(f.Pests))
	for i, p := range f.Pests {
		if p.Name == "" || p.Cate == "" {
			return nil, fmt.Errorf("pest entry %d: name and cate are required", i+1)
		}
		if prev, ok := seen[p.Cate]; ok {
			return nil, fmt.Errorf("pest entry %d: cate %q already used by entry %d", i+1, p.Cate, prev)
		}
		seen[p.Cate] = i + 1
	}

	return f.Pests, nil
}

func importPestsCommand(cfg *config.Config) *cobra.Command {
	var reindex bool

	cmd := &cobra.Command{
		Use:   "import-pests <file.yaml>",
		Short: "Insert or update knowledge-base pests from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pests, err := loadPestFile(args[0])
			if err != nil {
				return err
			}

			db, err := openSQLite(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := importPests(ctx, pest.NewKnowledge(db, nil), pests)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d pests\n", n)

			if !reindex || !cfg.Milvus.Enabled {
				return nil
			}
			searcher, closeSearch, err := newSearcher(ctx, cfg, db, newLLM(cfg))
			if err != nil {
				return err
			}
			defer closeSearch()

			indexed, err := searcher.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d pests\n", indexed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reindex, "reindex", false, "Rebuild the semantic search index after importing")
	return cmd
}

type pestWriter interface {
	Upsert(ctx context.Context, p *models.Pest) (int64, error)
}

func importPests(ctx context.Context, w pestWriter, pests []models.Pest) (int, error) {
	for i := range pests {
		if _, err := w.Upsert(ctx, &pests[i]); err != nil {
			return i, err
		}
	}
	logger.Info("Pests imported", zap.Int("count", len(pests)))
	return len(pests), nil
}

func reindexPestsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex-pests",
		Short: "Rebuild the semantic pest search index in Milvus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if !cfg.Milvus.Enabled {
				return errors.New("milvus is disabled; set milvus.enabled to rebuild the index")
			}

			db, err := openSQLite(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			searcher, closeSearch, err := newSearcher(ctx, cfg, db, newLLM(cfg))
			if err != nil {
				return err
			}
			defer closeSearch()

			n, err := searcher.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d pests\n", n)
			return nil
		},
	}
}
