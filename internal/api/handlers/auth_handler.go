package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/internal/wechat"
	"github.com/pestwatch/backend/pkg/logger"
)

type UserGetter interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type AuthHandler struct {
	login *wechat.LoginService
	users UserGetter
}

func NewAuthHandler(login *wechat.LoginService, users UserGetter) *AuthHandler {
	return &AuthHandler{login: login, users: users}
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req struct {
		Code     string          `json:"code"`
		UserInfo wechat.UserInfo `json:"userInfo"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return fail(c, fiber.StatusBadRequest, "code is required")
	}

	res, err := h.login.Login(c.Context(), req.Code, req.UserInfo)
	if errors.Is(err, wechat.ErrLoginRejected) {
		return fail(c, fiber.StatusUnauthorized, "wechat login failed")
	}
	if err != nil {
		logger.Error("Login failed", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "server error")
	}

	return respond(c, fiber.Map{
		"token":    res.Token,
		"userInfo": res.User,
	})
}

func (h *AuthHandler) CheckLogin(c *fiber.Ctx) error {
	user, err := h.users.GetUser(c.Context(), auth.UserID(c))
	if err != nil {
		logger.Error("Failed to load user", zap.Int64("user_id", auth.UserID(c)), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "server error")
	}
	if user == nil {
		return fail(c, fiber.StatusUnauthorized, "user does not exist")
	}

	return respond(c, fiber.Map{"userInfo": user})
}

// Logout is stateless; the client discards its token.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"code":    fiber.StatusOK,
		"message": "logged out",
	})
}
