package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/chat"
	"github.com/pestwatch/backend/internal/conversation"
	"github.com/pestwatch/backend/internal/middleware/validation"
	"github.com/pestwatch/backend/pkg/logger"
)

type ChatHandler struct {
	orchestrator  *chat.Orchestrator
	conversations *conversation.Store
}

func NewChatHandler(orchestrator *chat.Orchestrator, conversations *conversation.Store) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator, conversations: conversations}
}

func (h *ChatHandler) Send(c *fiber.Ctx) error {
	req, ok := validation.Chat(c)
	if !ok {
		return fail(c, fiber.StatusBadRequest, "message is required")
	}

	res, err := h.orchestrator.Send(c.Context(), chat.SendRequest{
		UserID:          auth.UserID(c),
		ConversationID:  req.ConversationID,
		Message:         req.Message,
		NewConversation: req.NewConversation,
	})
	if errors.Is(err, chat.ErrEmptyMessage) {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(res)
}

func (h *ChatHandler) Conversations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"conversations": h.conversations.GetUserConversations(c.Context(), auth.UserID(c)),
	})
}

func (h *ChatHandler) GetConversation(c *fiber.Ctx) error {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		return fail(c, fiber.StatusBadRequest, "conversation_id is required")
	}

	messages := h.conversations.GetConversation(c.Context(), auth.UserID(c), conversationID)
	if messages == nil {
		return fail(c, fiber.StatusNotFound, "conversation not found")
	}

	return c.JSON(fiber.Map{"conversation": messages})
}

func (h *ChatHandler) DeleteConversation(c *fiber.Ctx) error {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		return fail(c, fiber.StatusBadRequest, "conversation_id is required")
	}

	userID := auth.UserID(c)
	deleted := h.conversations.Delete(c.Context(), userID, conversationID)
	logger.Info("Conversation delete requested",
		zap.Int64("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Bool("deleted", deleted),
	)

	return c.JSON(fiber.Map{"success": deleted})
}
