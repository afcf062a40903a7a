package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestwatch/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func createUser(t *testing.T, c *Client, openID string) *models.User {
	t.Helper()

	u, err := c.UpsertUserByOpenID(context.Background(), &models.User{OpenID: openID, Nickname: openID})
	require.NoError(t, err)
	return u
}

func createPest(t *testing.T, c *Client, name, cate string) int64 {
	t.Helper()

	id, err := c.UpsertPest(context.Background(), &models.Pest{Name: name, Cate: cate, HostRange: "rice"})
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

func TestUsers_UpsertIncrementsLoginCount(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first := createUser(t, c, "openid-1")
	assert.Equal(t, 1, first.LoginCount)
	require.NotNil(t, first.LastLogin)

	second, err := c.UpsertUserByOpenID(ctx, &models.User{OpenID: "openid-1", Nickname: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.LoginCount)
	assert.Equal(t, "renamed", second.Nickname)

	missing, err := c.GetUser(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPests_LookupByCate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id := createPest(t, c, "Rice leaf roller", "cnaphalocrocis_medinalis")

	p, err := c.GetPestByCate(ctx, "cnaphalocrocis_medinalis")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "rice", p.HostRange)

	none, err := c.GetPestByCate(ctx, "Cnaphalocrocis_medinalis")
	require.NoError(t, err)
	assert.Nil(t, none, "cate match must be exact")
}

func TestPests_UpsertExistingID(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id := createPest(t, c, "Aphid", "aphid")
	_, err := c.UpsertPest(ctx, &models.Pest{ID: id, Name: "Green peach aphid", Cate: "aphid"})
	require.NoError(t, err)

	p, err := c.GetPest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Green peach aphid", p.Name)
	assert.Empty(t, p.HostRange)
}

func TestPests_ListWithFilterAndPagination(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	createPest(t, c, "Rice Planthopper", "nilaparvata_lugens")
	createPest(t, c, "Corn borer", "ostrinia_furnacalis")
	createPest(t, c, "White-backed planthopper", "sogatella_furcifera")
	createPest(t, c, "100%_match", "odd")

	all, total, err := c.ListPests(ctx, "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 2)
	assert.Equal(t, "Rice Planthopper", all[0].Name)

	filtered, total, err := c.ListPests(ctx, "PLANTHOPPER", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, filtered, 2)
	assert.Equal(t, "White-backed planthopper", filtered[1].Name)

	literal, total, err := c.ListPests(ctx, "%_", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "wildcards in the filter are literal")
	assert.Equal(t, "100%_match", literal[0].Name)
}

func TestRecords_InsertAndListOrdering(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	user := createUser(t, c, "u1")
	pestID := createPest(t, c, "Aphid", "aphid")

	base := time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)
	records := []*models.DetectionRecord{
		{UserID: user.ID, PestID: &pestID, ImageURL: "1/a.jpg", DetectionTime: base.Add(time.Minute), Confidence: ptr(0.7), BBox: &[4]float64{1, 2, 3, 4}, Status: models.StatusValid},
		{UserID: user.ID, ImageURL: "1/b.jpg", DetectionTime: base.Add(3 * time.Minute), Status: models.StatusValid},
		{UserID: user.ID, PestID: &pestID, ImageURL: "1/c.jpg", DetectionTime: base, Confidence: ptr(0.9), Status: models.StatusValid},
	}
	require.NoError(t, c.InsertDetectionRecords(ctx, records))
	for _, r := range records {
		assert.NotZero(t, r.ID)
	}

	got, err := c.ListUserRecords(ctx, user.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1/b.jpg", got[0].ImageURL)
	assert.Equal(t, "1/a.jpg", got[1].ImageURL)
	assert.Equal(t, "1/c.jpg", got[2].ImageURL)

	assert.Nil(t, got[0].PestID)
	assert.Nil(t, got[0].PestName)
	assert.Nil(t, got[0].Confidence)
	assert.Nil(t, got[0].BBox)

	require.NotNil(t, got[1].PestName)
	assert.Equal(t, "Aphid", *got[1].PestName)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, *got[1].BBox)

	page, err := c.ListUserRecords(ctx, user.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "1/a.jpg", page[0].ImageURL)

	empty, err := c.ListUserRecords(ctx, 424242, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestRecords_InsertIsAtomic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	user := createUser(t, c, "u1")
	missingPest := int64(777)

	records := []*models.DetectionRecord{
		{UserID: user.ID, ImageURL: "1/a.jpg", DetectionTime: time.Now(), Status: models.StatusValid},
		{UserID: user.ID, PestID: &missingPest, ImageURL: "1/a.jpg", DetectionTime: time.Now(), Status: models.StatusValid},
	}

	err := c.InsertDetectionRecords(ctx, records)
	require.Error(t, err, "foreign key violation on the second record")

	got, err := c.ListUserRecords(ctx, user.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got, "a failed batch must leave no partial records")
}

func TestRecords_UpdateStatusOwnership(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	owner := createUser(t, c, "owner")
	other := createUser(t, c, "other")

	rec := &models.DetectionRecord{UserID: owner.ID, ImageURL: "x.jpg", DetectionTime: time.Now(), Status: models.StatusValid}
	require.NoError(t, c.InsertDetectionRecords(ctx, []*models.DetectionRecord{rec}))

	updated, err := c.UpdateRecordStatus(ctx, rec.ID, models.StatusInvalid, &other.ID)
	require.NoError(t, err)
	assert.Nil(t, updated)

	unchanged, err := c.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusValid, unchanged.Status)

	updated, err = c.UpdateRecordStatus(ctx, rec.ID, models.StatusInvalid, &owner.ID)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusInvalid, updated.Status)

	updated, err = c.UpdateRecordStatus(ctx, rec.ID, models.StatusValid, nil)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusValid, updated.Status)

	missing, err := c.UpdateRecordStatus(ctx, 9999, models.StatusValid, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecords_PestStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	user := createUser(t, c, "u1")
	pestID := createPest(t, c, "Aphid", "aphid")

	empty, err := c.PestStats(ctx, pestID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.TotalDetections)
	assert.Zero(t, empty.AvgConfidence)
	assert.Nil(t, empty.LastDetectedAt)

	latest := time.Date(2025, 7, 15, 8, 30, 0, 0, time.UTC)
	require.NoError(t, c.InsertDetectionRecords(ctx, []*models.DetectionRecord{
		{UserID: user.ID, PestID: &pestID, ImageURL: "a", DetectionTime: latest.Add(-time.Hour), Confidence: ptr(0.6), Status: 1},
		{UserID: user.ID, PestID: &pestID, ImageURL: "b", DetectionTime: latest, Confidence: ptr(0.8), Status: 1},
	}))

	stats, err := c.PestStats(ctx, pestID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalDetections)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	require.NotNil(t, stats.LastDetectedAt)
	assert.True(t, latest.Equal(*stats.LastDetectedAt))
}

func TestRecords_Delete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	user := createUser(t, c, "u1")
	rec := &models.DetectionRecord{UserID: user.ID, ImageURL: "x.jpg", DetectionTime: time.Now(), Status: 1}
	require.NoError(t, c.InsertDetectionRecords(ctx, []*models.DetectionRecord{rec}))

	removed, err := c.DeleteRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.DeleteRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}
