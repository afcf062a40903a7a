package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/pkg/logger"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// maxAppendAttempts bounds optimistic-lock retries when another writer
// touches the same user's conversations between read and write.
const maxAppendAttempts = 10

var ErrConflict = errors.New("conversation was modified concurrently")

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Summary struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
	// LastTimestamp is nil for a conversation stored with no messages.
	LastTimestamp *time.Time `json:"lastTime"`
}

// Store keeps every conversation of a user in one Redis hash, field per
// conversation id, value a JSON array of messages in append order.
type Store struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Store{client: client}, nil
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func conversationsKey(userID int64) string {
	return fmt.Sprintf("user:%d:conversations", userID)
}

// Store overwrites the conversation with messages. Failures are logged and
// reported as false.
func (s *Store) Store(ctx context.Context, userID int64, conversationID string, messages []Message) bool {
	if messages == nil {
		messages = []Message{}
	}

	data, err := json.Marshal(messages)
	if err != nil {
		s.fail("store", userID, conversationID, err)
		return false
	}

	if err := s.client.HSet(ctx, conversationsKey(userID), conversationID, data).Err(); err != nil {
		s.fail("store", userID, conversationID, err)
		return false
	}

	logger.Debug("Conversation stored",
		zap.Int64("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(messages)),
	)
	return true
}

// Append adds messages to the end of the conversation atomically and returns
// the full resulting history. With reset the existing history is dropped
// first. Concurrent appends to the same user are serialized with
// WATCH/MULTI; none of them is lost.
func (s *Store) Append(ctx context.Context, userID int64, conversationID string, reset bool, messages ...Message) ([]Message, error) {
	key := conversationsKey(userID)

	var history []Message
	txf := func(tx *redis.Tx) error {
		history = nil
		if !reset {
			data, err := tx.HGet(ctx, key, conversationID).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				if err := json.Unmarshal(data, &history); err != nil {
					return fmt.Errorf("failed to unmarshal conversation: %w", err)
				}
			}
		}

		history = append(history, messages...)
		data, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, conversationID, data)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			logger.Debug("Conversation appended",
				zap.Int64("user_id", userID),
				zap.String("conversation_id", conversationID),
				zap.Bool("reset", reset),
				zap.Int("messages", len(history)),
			)
			return history, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			s.fail("append", userID, conversationID, err)
			return nil, fmt.Errorf("failed to append conversation: %w", err)
		}
		logger.Debug("Conversation append conflict, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt),
		)
	}

	s.fail("append", userID, conversationID, ErrConflict)
	return nil, ErrConflict
}

// GetUserConversations lists every conversation of the user, most recently
// active first. Unreadable entries are skipped; infrastructure errors yield
// an empty list.
func (s *Store) GetUserConversations(ctx context.Context, userID int64) []Summary {
	all, err := s.client.HGetAll(ctx, conversationsKey(userID)).Result()
	if err != nil {
		s.fail("list", userID, "", err)
		return []Summary{}
	}

	out := make([]Summary, 0, len(all))
	for id, data := range all {
		var messages []Message
		if err := json.Unmarshal([]byte(data), &messages); err != nil {
			s.fail("list", userID, id, err)
			continue
		}

		sum := Summary{ID: id, Messages: messages}
		if n := len(messages); n > 0 {
			last := messages[n-1].Timestamp
			sum.LastTimestamp = &last
		}
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastTimestamp, out[j].LastTimestamp
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.After(*b)
	})

	return out
}

// GetConversation returns nil when the conversation does not exist or cannot
// be read.
func (s *Store) GetConversation(ctx context.Context, userID int64, conversationID string) []Message {
	data, err := s.client.HGet(ctx, conversationsKey(userID), conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.fail("get", userID, conversationID, err)
		return nil
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		s.fail("get", userID, conversationID, err)
		return nil
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages
}

// Delete reports whether a conversation existed and was removed.
func (s *Store) Delete(ctx context.Context, userID int64, conversationID string) bool {
	n, err := s.client.HDel(ctx, conversationsKey(userID), conversationID).Result()
	if err != nil {
		s.fail("delete", userID, conversationID, err)
		return false
	}

	if n > 0 {
		logger.Info("Conversation deleted", zap.Int64("user_id", userID), zap.String("conversation_id", conversationID))
	}
	return n > 0
}

func (s *Store) fail(op string, userID int64, conversationID string, err error) {
	metrics.ConversationStoreErrors.WithLabelValues(op).Inc()
	logger.Error("Conversation store operation failed",
		zap.String("op", op),
		zap.Int64("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
}
