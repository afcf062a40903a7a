package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

const DefaultBaseURL = "https://api.weixin.qq.com"

var ErrLoginRejected = errors.New("wechat rejected the login code")

type Session struct {
	OpenID     string `json:"openid"`
	UnionID    string `json:"unionid"`
	SessionKey string `json:"session_key"`
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

// Client exchanges mini-program login codes for user identities.
type Client struct {
	appID   string
	secret  string
	baseURL string
	http    *http.Client
}

func NewClient(appID, secret, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		appID:   appID,
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Code2Session calls jscode2session. A response without an openid is
// reported as ErrLoginRejected.
func (c *Client) Code2Session(ctx context.Context, code string) (*Session, error) {
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("secret", c.secret)
	q.Set("js_code", code)
	q.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sns/jscode2session?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build wechat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call wechat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wechat returned status %d", resp.StatusCode)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode wechat response: %w", err)
	}

	if s.OpenID == "" {
		logger.Warn("WeChat login rejected", zap.Int("errcode", s.ErrCode), zap.String("errmsg", s.ErrMsg))
		return nil, fmt.Errorf("%w: %d %s", ErrLoginRejected, s.ErrCode, s.ErrMsg)
	}
	return &s, nil
}
