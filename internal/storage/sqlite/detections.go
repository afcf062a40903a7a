package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

const recordColumns = `r.id, r.user_id, r.pest_id, p.name, r.image_url, r.detection_time, r.confidence, r.bbox, r.status`

const recordFrom = ` FROM detection_records r LEFT JOIN pests p ON p.id = r.pest_id`

func scanRecord(row rowScanner) (*models.DetectionRecord, error) {
	var (
		r             models.DetectionRecord
		pestID        sql.NullInt64
		pestName      sql.NullString
		detectionTime int64
		confidence    sql.NullFloat64
		bbox          sql.NullString
	)

	err := row.Scan(&r.ID, &r.UserID, &pestID, &pestName, &r.ImageURL, &detectionTime, &confidence, &bbox, &r.Status)
	if err != nil {
		return nil, err
	}

	if pestID.Valid {
		id := pestID.Int64
		r.PestID = &id
	}
	if pestName.Valid {
		name := pestName.String
		r.PestName = &name
	}
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	if bbox.Valid && bbox.String != "" {
		var box [4]float64
		if err := json.Unmarshal([]byte(bbox.String), &box); err != nil {
			return nil, fmt.Errorf("failed to decode bbox of record %d: %w", r.ID, err)
		}
		r.BBox = &box
	}
	r.DetectionTime = time.UnixMilli(detectionTime).UTC()

	return &r, nil
}

// InsertDetectionRecords writes all records in one transaction and fills in
// their ids. Either every record is committed or none is.
func (c *Client) InsertDetectionRecords(ctx context.Context, records []*models.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detection_records (user_id, pest_id, image_url, detection_time, confidence, bbox, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var bbox sql.NullString
		if r.BBox != nil {
			data, err := json.Marshal(r.BBox)
			if err != nil {
				return fmt.Errorf("failed to marshal bbox: %w", err)
			}
			bbox = sql.NullString{String: string(data), Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			r.UserID,
			r.PestID,
			r.ImageURL,
			r.DetectionTime.UnixMilli(),
			r.Confidence,
			bbox,
			r.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert detection record: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read record id: %w", err)
		}
		r.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detection records: %w", err)
	}

	logger.Debug("Detection records inserted", zap.Int("count", len(records)))
	return nil
}

// ListUserRecords returns a user's records, most recent first.
func (c *Client) ListUserRecords(ctx context.Context, userID int64, limit, offset int) ([]models.DetectionRecord, error) {
	query := `SELECT ` + recordColumns + recordFrom + `
		WHERE r.user_id = ?
		ORDER BY r.detection_time DESC, r.id DESC
		LIMIT ? OFFSET ?`

	rows, err := c.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user records: %w", err)
	}
	defer rows.Close()

	records := make([]models.DetectionRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

// GetRecord returns nil, nil when the record does not exist.
func (c *Client) GetRecord(ctx context.Context, id int64) (*models.DetectionRecord, error) {
	r, err := scanRecord(c.db.QueryRowContext(ctx, `SELECT `+recordColumns+recordFrom+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return r, nil
}

// UpdateRecordStatus sets the validity flag. When userID is non-nil only a
// record owned by that user is touched. Returns nil, nil if nothing matched.
func (c *Client) UpdateRecordStatus(ctx context.Context, id int64, status int, userID *int64) (*models.DetectionRecord, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE detection_records SET status = ? WHERE id = ?`
	args := []interface{}{status, id}
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update record status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+recordFrom+` WHERE r.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	logger.Info("Detection record status updated", zap.Int64("record_id", id), zap.Int("status", status))
	return r, nil
}

func (c *Client) DeleteRecord(ctx context.Context, id int64) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM detection_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (c *Client) PestStats(ctx context.Context, pestID int64) (*models.PestStats, error) {
	var (
		total     int64
		avgConf   sql.NullFloat64
		lastMilli sql.NullInt64
	)

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(id), AVG(confidence), MAX(detection_time)
		FROM detection_records WHERE pest_id = ?
	`, pestID).Scan(&total, &avgConf, &lastMilli)
	if err != nil {
		return nil, fmt.Errorf("failed to get pest stats: %w", err)
	}

	stats := &models.PestStats{PestID: pestID, TotalDetections: total}
	if avgConf.Valid {
		stats.AvgConfidence = avgConf.Float64
	}
	if lastMilli.Valid {
		t := time.UnixMilli(lastMilli.Int64).UTC()
		stats.LastDetectedAt = &t
	}
	return stats, nil
}
