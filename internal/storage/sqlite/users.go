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

// UpsertUserByOpenID creates the user on first login, otherwise refreshes
// the profile fields and login bookkeeping.
func (c *Client) UpsertUserByOpenID(ctx context.Context, u *models.User) (*models.User, error) {
	now := time.Now().UTC()

	query := `
		INSERT INTO users (openid, unionid, nickname, avatar, gender, country, province, city,
			status, last_login, login_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 1, ?, ?)
		ON CONFLICT(openid) DO UPDATE SET
			nickname = excluded.nickname,
			avatar = excluded.avatar,
			last_login = excluded.last_login,
			login_count = users.login_count + 1,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		u.OpenID,
		nullString(u.UnionID),
		nullString(u.Nickname),
		nullString(u.Avatar),
		u.Gender,
		nullString(u.Country),
		nullString(u.Province),
		nullString(u.City),
		now.Unix(),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	user, err := c.getUserWhere(ctx, "openid = ?", u.OpenID)
	if err != nil {
		return nil, err
	}

	logger.Debug("User upserted", zap.Int64("user_id", user.ID), zap.Int("login_count", user.LoginCount))
	return user, nil
}

// GetUser returns nil, nil when the user does not exist.
func (c *Client) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := c.getUserWhere(ctx, "id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (c *Client) getUserWhere(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	query := `SELECT id, openid, unionid, nickname, avatar, gender, country, province, city, phone,
		status, last_login, login_count, created_at, updated_at FROM users WHERE ` + where

	var (
		u                                                          models.User
		unionID, nickname, avatar, country, province, city, phone sql.NullString
		lastLogin                                                  sql.NullInt64
		createdAt, updatedAt                                       int64
	)

	err := c.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.OpenID, &unionID, &nickname, &avatar, &u.Gender, &country, &province, &city, &phone,
		&u.Status, &lastLogin, &u.LoginCount, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.UnionID = unionID.String
	u.Nickname = nickname.String
	u.Avatar = avatar.String
	u.Country = country.String
	u.Province = province.String
	u.City = city.String
	u.Phone = phone.String
	if lastLogin.Valid {
		t := time.Unix(lastLogin.Int64, 0).UTC()
		u.LastLogin = &t
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &u, nil
}
