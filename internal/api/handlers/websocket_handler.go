package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/chat"
	"github.com/pestwatch/backend/pkg/logger"
)

type StreamHandler struct {
	orchestrator *chat.Orchestrator
}

func NewStreamHandler(orchestrator *chat.Orchestrator) *StreamHandler {
	return &StreamHandler{orchestrator: orchestrator}
}

type streamRequest struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	ConversationID  string `json:"conversation_id"`
	NewConversation bool   `json:"new_conversation"`
}

// HandleConnection serves chat turns over a websocket. The user id is set
// by the auth middleware before the upgrade.
func (h *StreamHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(int64)
	logger.Info("WebSocket connection established", zap.Int64("user_id", userID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.Int64("user_id", userID))
	}()

	for {
		var msg streamRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "message" {
			continue
		}

		if err := h.streamTurn(c, userID, msg); err != nil {
			logger.Error("Failed to stream chat turn", zap.Int64("user_id", userID), zap.Error(err))
			if err := sendError(c, err); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) streamTurn(c *websocket.Conn, userID int64, msg streamRequest) error {
	res, err := h.orchestrator.Stream(context.Background(), chat.SendRequest{
		UserID:          userID,
		ConversationID:  msg.ConversationID,
		Message:         msg.Message,
		NewConversation: msg.NewConversation,
	}, func(delta string) error {
		return c.WriteJSON(map[string]interface{}{
			"type":    "chunk",
			"content": delta,
		})
	})
	if err != nil {
		return err
	}

	return c.WriteJSON(map[string]interface{}{
		"type":            "complete",
		"conversation_id": res.ConversationID,
		"metadata":        res.Usage,
		"persisted":       res.Persisted,
	})
}

func sendError(c *websocket.Conn, err error) error {
	message := "failed to process message"
	if errors.Is(err, chat.ErrEmptyMessage) {
		message = err.Error()
	}

	return c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": message,
	})
}
