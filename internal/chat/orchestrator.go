package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/conversation"
	"github.com/pestwatch/backend/internal/llm"
	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/pkg/logger"
)

var ErrEmptyMessage = errors.New("message is required")

// History is the slice of the conversation store the orchestrator needs.
type History interface {
	GetConversation(ctx context.Context, userID int64, conversationID string) []conversation.Message
	Append(ctx context.Context, userID int64, conversationID string, reset bool, messages ...conversation.Message) ([]conversation.Message, error)
}

type SendRequest struct {
	UserID          int64
	ConversationID  string
	Message         string
	NewConversation bool
}

type SendResult struct {
	ConversationID string                 `json:"conversation_id"`
	Response       string                 `json:"response"`
	History        []conversation.Message `json:"history"`
	Usage          llm.Usage              `json:"metadata"`
	// Persisted is false when the model answered but the exchange could
	// not be saved.
	Persisted bool `json:"persisted"`
}

type Orchestrator struct {
	model        llm.ChatModel
	history      History
	systemPrompt string
	now          func() time.Time
}

func NewOrchestrator(model llm.ChatModel, history History, systemPrompt string) *Orchestrator {
	return &Orchestrator{
		model:        model,
		history:      history,
		systemPrompt: systemPrompt,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Send runs one chat turn: load history, add the user message, ask the
// model, add the answer and persist. Nothing is persisted when the model
// call fails.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	return o.run(ctx, req, "send", func(ctx context.Context, msgs []llm.Message) (*llm.ChatResponse, error) {
		return o.model.Chat(ctx, msgs)
	})
}

// Stream is Send with the answer delivered through onDelta as it is
// generated. Models without streaming support deliver the whole answer as a
// single delta.
func (o *Orchestrator) Stream(ctx context.Context, req SendRequest, onDelta func(string) error) (*SendResult, error) {
	return o.run(ctx, req, "stream", func(ctx context.Context, msgs []llm.Message) (*llm.ChatResponse, error) {
		if sm, ok := o.model.(llm.StreamingChatModel); ok {
			return sm.ChatStream(ctx, msgs, onDelta)
		}
		resp, err := o.model.Chat(ctx, msgs)
		if err != nil {
			return nil, err
		}
		if err := onDelta(resp.Content); err != nil {
			return nil, err
		}
		return resp, nil
	})
}

type callFunc func(ctx context.Context, msgs []llm.Message) (*llm.ChatResponse, error)

func (o *Orchestrator) run(ctx context.Context, req SendRequest, mode string, call callFunc) (*SendResult, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	var history []conversation.Message
	if !req.NewConversation {
		history = o.history.GetConversation(ctx, req.UserID, conversationID)
	}

	userMsg := conversation.Message{Role: conversation.RoleUser, Content: req.Message, Timestamp: o.now()}
	history = append(history, userMsg)

	prompt := make([]llm.Message, 0, len(history)+1)
	if o.systemPrompt != "" {
		prompt = append(prompt, llm.Message{Role: conversation.RoleSystem, Content: o.systemPrompt})
	}
	for _, m := range history {
		prompt = append(prompt, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := call(ctx, prompt)
	if err != nil {
		metrics.ChatRequests.WithLabelValues(mode, "error").Inc()
		logger.Error("Chat model call failed",
			zap.Int64("user_id", req.UserID),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("chat model call failed: %w", err)
	}

	assistantMsg := conversation.Message{Role: conversation.RoleAssistant, Content: resp.Content, Timestamp: o.now()}
	history = append(history, assistantMsg)

	result := &SendResult{
		ConversationID: conversationID,
		Response:       resp.Content,
		History:        history,
		Usage:          resp.Usage,
		Persisted:      true,
	}

	stored, err := o.history.Append(ctx, req.UserID, conversationID, req.NewConversation, userMsg, assistantMsg)
	if err != nil {
		result.Persisted = false
		metrics.ChatRequests.WithLabelValues(mode, "unpersisted").Inc()
		logger.Error("Failed to persist chat turn",
			zap.Int64("user_id", req.UserID),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return result, nil
	}
	// A concurrent turn may have landed between load and persist.
	result.History = stored

	metrics.ChatRequests.WithLabelValues(mode, "ok").Inc()
	logger.Info("Chat turn completed",
		zap.Int64("user_id", req.UserID),
		zap.String("conversation_id", conversationID),
		zap.Int("history_length", len(stored)),
	)
	return result, nil
}
