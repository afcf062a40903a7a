package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

const pestColumns = `id, name, alias, taxonomy, adult_features, larval_features, egg_features, pupa_features,
	host_range, habitat, activity_pattern, overwintering, damage_period, damage_method, damage_symptoms,
	monitoring_methods, agricultural_control, physical_control, biological_control, chemical_control,
	quarantine_requirements, geographical_distribution, generations_per_year, reproductive_characteristics,
	cate, image, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPest(row rowScanner) (*models.Pest, error) {
	var (
		p                    models.Pest
		text                 [24]sql.NullString
		createdAt, updatedAt int64
	)

	dest := []interface{}{&p.ID, &p.Name}
	for i := range text {
		dest = append(dest, &text[i])
	}
	dest = append(dest, &createdAt, &updatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	fields := []*string{
		&p.Alias, &p.Taxonomy, &p.AdultFeatures, &p.LarvalFeatures, &p.EggFeatures, &p.PupaFeatures,
		&p.HostRange, &p.Habitat, &p.ActivityPattern, &p.Overwintering, &p.DamagePeriod, &p.DamageMethod,
		&p.DamageSymptoms, &p.MonitoringMethods, &p.AgriculturalControl, &p.PhysicalControl,
		&p.BiologicalControl, &p.ChemicalControl, &p.QuarantineRequirements, &p.GeographicalDistribution,
		&p.GenerationsPerYear, &p.ReproductiveCharacteristics, &p.Cate, &p.Image,
	}
	for i, f := range fields {
		*f = text[i].String
	}

	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// UpsertPest inserts a new pest when p.ID is zero, otherwise replaces the
// row with that id. It returns the stored id.
func (c *Client) UpsertPest(ctx context.Context, p *models.Pest) (int64, error) {
	now := time.Now().UTC().Unix()

	args := []interface{}{
		p.Name,
		nullString(p.Alias), nullString(p.Taxonomy),
		nullString(p.AdultFeatures), nullString(p.LarvalFeatures), nullString(p.EggFeatures), nullString(p.PupaFeatures),
		nullString(p.HostRange), nullString(p.Habitat), nullString(p.ActivityPattern), nullString(p.Overwintering),
		nullString(p.DamagePeriod), nullString(p.DamageMethod), nullString(p.DamageSymptoms),
		nullString(p.MonitoringMethods), nullString(p.AgriculturalControl), nullString(p.PhysicalControl),
		nullString(p.BiologicalControl), nullString(p.ChemicalControl), nullString(p.QuarantineRequirements),
		nullString(p.GeographicalDistribution), nullString(p.GenerationsPerYear), nullString(p.ReproductiveCharacteristics),
		nullString(p.Cate), nullString(p.Image),
	}

	if p.ID == 0 {
		query := `INSERT INTO pests (name, alias, taxonomy, adult_features, larval_features, egg_features, pupa_features,
			host_range, habitat, activity_pattern, overwintering, damage_period, damage_method, damage_symptoms,
			monitoring_methods, agricultural_control, physical_control, biological_control, chemical_control,
			quarantine_requirements, geographical_distribution, generations_per_year, reproductive_characteristics,
			cate, image, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		res, err := c.db.ExecContext(ctx, query, append(args, now, now)...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert pest: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read pest id: %w", err)
		}
		logger.Debug("Pest inserted", zap.Int64("pest_id", id), zap.String("cate", p.Cate))
		return id, nil
	}

	query := `INSERT INTO pests (id, name, alias, taxonomy, adult_features, larval_features, egg_features, pupa_features,
		host_range, habitat, activity_pattern, overwintering, damage_period, damage_method, damage_symptoms,
		monitoring_methods, agricultural_control, physical_control, biological_control, chemical_control,
		quarantine_requirements, geographical_distribution, generations_per_year, reproductive_characteristics,
		cate, image, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, alias = excluded.alias, taxonomy = excluded.taxonomy,
			adult_features = excluded.adult_features, larval_features = excluded.larval_features,
			egg_features = excluded.egg_features, pupa_features = excluded.pupa_features,
			host_range = excluded.host_range, habitat = excluded.habitat,
			activity_pattern = excluded.activity_pattern, overwintering = excluded.overwintering,
			damage_period = excluded.damage_period, damage_method = excluded.damage_method,
			damage_symptoms = excluded.damage_symptoms, monitoring_methods = excluded.monitoring_methods,
			agricultural_control = excluded.agricultural_control, physical_control = excluded.physical_control,
			biological_control = excluded.biological_control, chemical_control = excluded.chemical_control,
			quarantine_requirements = excluded.quarantine_requirements,
			geographical_distribution = excluded.geographical_distribution,
			generations_per_year = excluded.generations_per_year,
			reproductive_characteristics = excluded.reproductive_characteristics,
			cate = excluded.cate, image = excluded.image, updated_at = excluded.updated_at`

	full := append([]interface{}{p.ID}, args...)
	if _, err := c.db.ExecContext(ctx, query, append(full, now, now)...); err != nil {
		return 0, fmt.Errorf("failed to upsert pest: %w", err)
	}

	logger.Debug("Pest upserted", zap.Int64("pest_id", p.ID), zap.String("cate", p.Cate))
	return p.ID, nil
}

// GetPest returns nil, nil when no pest has the given id.
func (c *Client) GetPest(ctx context.Context, id int64) (*models.Pest, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+pestColumns+` FROM pests WHERE id = ?`, id)
	p, err := scanPest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pest: %w", err)
	}
	return p, nil
}

// GetPestByCate matches the category label exactly. When several pests
// share a label the lowest id wins.
func (c *Client) GetPestByCate(ctx context.Context, cate string) (*models.Pest, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+pestColumns+` FROM pests WHERE cate = ? ORDER BY id LIMIT 1`, cate)
	p, err := scanPest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pest by cate: %w", err)
	}
	return p, nil
}

// ListPests pages through pests ordered by id. nameFilter is a
// case-insensitive substring match; empty means no filter.
func (c *Client) ListPests(ctx context.Context, nameFilter string, page, perPage int) ([]models.PestSummary, int, error) {
	where := ""
	var args []interface{}
	if nameFilter != "" {
		where = ` WHERE LOWER(name) LIKE LOWER(?) ESCAPE '\'`
		args = append(args, "%"+escapeLike(nameFilter)+"%")
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pests: %w", err)
	}

	query := `SELECT id, name, image, host_range FROM pests` + where + ` ORDER BY id LIMIT ? OFFSET ?`
	rows, err := c.db.QueryContext(ctx, query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pests: %w", err)
	}
	defer rows.Close()

	pests := make([]models.PestSummary, 0, perPage)
	for rows.Next() {
		var (
			s                models.PestSummary
			image, hostRange sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &image, &hostRange); err != nil {
			return nil, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Image = image.String
		s.HostRange = hostRange.String
		pests = append(pests, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate pests: %w", err)
	}

	return pests, total, nil
}

// AllPests returns every pest ordered by id. Used by the embedding indexer.
func (c *Client) AllPests(ctx context.Context) ([]models.Pest, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+pestColumns+` FROM pests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pests: %w", err)
	}
	defer rows.Close()

	var pests []models.Pest
	for rows.Next() {
		p, err := scanPest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		pests = append(pests, *p)
	}
	return pests, rows.Err()
}
