package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/internal/storage/sqlite"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPestFile(t *testing.T) {
	path := writeFile(t, `
pests:
  - name: Rice leaf roller
    cate: cnaphalocrocis_medinalis
    host_range: rice
    chemical_control: chlorantraniliprole at early instar
  - name: Brown planthopper
    cate: nilaparvata_lugens
`)

	pests, err := loadPestFile(path)
	require.NoError(t, err)
	require.Len(t, pests, 2)
	assert.Equal(t, "cnaphalocrocis_medinalis", pests[0].Cate)
	assert.Equal(t, "rice", pests[0].HostRange)
	assert.Equal(t, "chlorantraniliprole at early instar", pests[0].ChemicalControl)
}

func TestLoadPestFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing cate", "pests:\n  - name: Aphid\n", "name and cate are required"},
		{"duplicate cate", "pests:\n  - {name: A, cate: x}\n  - {name: B, cate: x}\n", "already used by entry 1"},
		{"bad yaml", "pests: [", "failed to parse pest file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadPestFile(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestImportPests_IsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "pests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	pests, err := loadPestFile(writeFile(t, "pests:\n  - {id: 7, name: Aphid, cate: aphid}\n"))
	require.NoError(t, err)

	k := pest.NewKnowledge(db, nil)
	for i := 0; i < 2; i++ {
		n, err := importPests(ctx, k, pests)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	all, err := db.AllPests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(7), all[0].ID)
}
