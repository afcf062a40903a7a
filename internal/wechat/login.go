package wechat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/pkg/logger"
)

// UserInfo is the profile the mini-program sends with the login code.
type UserInfo struct {
	NickName  string `json:"nickName"`
	AvatarURL string `json:"avatarUrl"`
	Gender    int    `json:"gender"`
	Country   string `json:"country"`
	Province  string `json:"province"`
	City      string `json:"city"`
}

type UserStore interface {
	UpsertUserByOpenID(ctx context.Context, u *models.User) (*models.User, error)
}

type TokenIssuer interface {
	Issue(userID int64) (string, time.Time, error)
}

type LoginResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"userInfo"`
}

type LoginService struct {
	wechat *Client
	users  UserStore
	tokens TokenIssuer
}

func NewLoginService(wechat *Client, users UserStore, tokens TokenIssuer) *LoginService {
	return &LoginService{wechat: wechat, users: users, tokens: tokens}
}

// Login resolves the code to an openid, creates or refreshes the user and
// issues a bearer token.
func (s *LoginService) Login(ctx context.Context, code string, info UserInfo) (*LoginResult, error) {
	session, err := s.wechat.Code2Session(ctx, code)
	if err != nil {
		return nil, err
	}

	user, err := s.users.UpsertUserByOpenID(ctx, &models.User{
		OpenID:   session.OpenID,
		UnionID:  session.UnionID,
		Nickname: info.NickName,
		Avatar:   info.AvatarURL,
		Gender:   info.Gender,
		Country:  info.Country,
		Province: info.Province,
		City:     info.City,
	})
	if err != nil {
		return nil, err
	}

	token, expires, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("User signed in", zap.Int64("user_id", user.ID))
	return &LoginResult{Token: token, ExpiresAt: expires, User: user}, nil
}
