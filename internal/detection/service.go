package detection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/inference"
	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

var ErrInvalidStatus = errors.New("status must be 0 (invalid) or 1 (valid)")

// EmptyPolicy decides what CreateRecords does for an image without
// detections.
type EmptyPolicy string

const (
	// PolicySkip writes nothing.
	PolicySkip EmptyPolicy = "skip"
	// PolicySentinel writes a single record with no pest, confidence or box.
	PolicySentinel EmptyPolicy = "sentinel"
)

func ParsePolicy(s string) (EmptyPolicy, error) {
	switch EmptyPolicy(s) {
	case PolicySkip, "":
		return PolicySkip, nil
	case PolicySentinel:
		return PolicySentinel, nil
	}
	return "", fmt.Errorf("unknown empty-detection policy %q", s)
}

type Store interface {
	InsertDetectionRecords(ctx context.Context, records []*models.DetectionRecord) error
	ListUserRecords(ctx context.Context, userID int64, limit, offset int) ([]models.DetectionRecord, error)
	UpdateRecordStatus(ctx context.Context, id int64, status int, userID *int64) (*models.DetectionRecord, error)
	DeleteRecord(ctx context.Context, id int64) (bool, error)
	PestStats(ctx context.Context, pestID int64) (*models.PestStats, error)
}

type PestResolver interface {
	ByLabel(ctx context.Context, label string) (*models.Pest, error)
}

type Service struct {
	store  Store
	pests  PestResolver
	policy EmptyPolicy
	now    func() time.Time
}

func NewService(store Store, pests PestResolver, policy EmptyPolicy) *Service {
	return &Service{
		store:  store,
		pests:  pests,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRecords persists one record per detection, linked to the pest whose
// cate equals the class name. All records share one timestamp and are
// committed together or not at all.
func (s *Service) CreateRecords(ctx context.Context, userID int64, imageURL string, dets []inference.Detection) ([]models.DetectionRecord, error) {
	now := s.now()

	records := make([]*models.DetectionRecord, 0, len(dets))
	for _, d := range dets {
		pest, err := s.pests.ByLabel(ctx, d.ClassName)
		if err != nil {
			return nil, err
		}

		confidence := d.Confidence
		bbox := d.BBox
		r := &models.DetectionRecord{
			UserID:        userID,
			ImageURL:      imageURL,
			DetectionTime: now,
			Confidence:    &confidence,
			BBox:          &bbox,
			Status:        models.StatusValid,
		}
		if pest != nil {
			id, name := pest.ID, pest.Name
			r.PestID = &id
			r.PestName = &name
		}

		metrics.DetectionsTotal.WithLabelValues(strconv.FormatBool(pest != nil)).Inc()
		metrics.DetectionConfidence.Observe(d.Confidence)
		records = append(records, r)
	}

	if len(records) == 0 && s.policy == PolicySentinel {
		records = append(records, &models.DetectionRecord{
			UserID:        userID,
			ImageURL:      imageURL,
			DetectionTime: now,
			Status:        models.StatusValid,
		})
	}

	if len(records) == 0 {
		logger.Info("No detections, no records created", zap.Int64("user_id", userID), zap.String("image_url", imageURL))
		return []models.DetectionRecord{}, nil
	}

	if err := s.store.InsertDetectionRecords(ctx, records); err != nil {
		logger.Error("Failed to persist detection records",
			zap.Int64("user_id", userID),
			zap.String("image_url", imageURL),
			zap.Int("count", len(records)),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RecordsCreated.Add(float64(len(records)))

	out := make([]models.DetectionRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}

	logger.Info("Detection records created",
		zap.Int64("user_id", userID),
		zap.String("image_url", imageURL),
		zap.Int("count", len(out)),
	)
	return out, nil
}

// GetUserRecords returns the user's records, most recent first.
func (s *Service) GetUserRecords(ctx context.Context, userID int64, limit, offset int) ([]models.DetectionRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListUserRecords(ctx, userID, limit, offset)
}

// UpdateRecordStatus returns nil, nil when no record matches, including when
// userID is set and the record belongs to someone else.
func (s *Service) UpdateRecordStatus(ctx context.Context, recordID int64, status int, userID *int64) (*models.DetectionRecord, error) {
	if status != models.StatusInvalid && status != models.StatusValid {
		return nil, ErrInvalidStatus
	}
	return s.store.UpdateRecordStatus(ctx, recordID, status, userID)
}

func (s *Service) GetPestStats(ctx context.Context, pestID int64) (*models.PestStats, error) {
	return s.store.PestStats(ctx, pestID)
}

func (s *Service) DeleteRecord(ctx context.Context, recordID int64) (bool, error) {
	removed, err := s.store.DeleteRecord(ctx, recordID)
	if err != nil {
		return false, err
	}
	if removed {
		logger.Info("Detection record deleted", zap.Int64("record_id", recordID))
	}
	return removed, nil
}
