package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/pkg/circuitbreaker"
	"github.com/pestwatch/backend/pkg/logger"
)

var ErrEmptyResponse = errors.New("model returned no choices")

type Message struct {
	Role    string
	Content string
}

// Usage holds token counts as reported by the provider. Fields are nil when
// the provider did not report them.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

type ChatResponse struct {
	Content string
	Usage   Usage
}

// ChatModel answers a conversation. The first message is usually the system
// prompt.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)
}

// StreamingChatModel delivers the answer incrementally. onDelta is called
// for every chunk; an error from it aborts the stream.
type StreamingChatModel interface {
	ChatModel
	ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*ChatResponse, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	TopP           float32
	MaxTokens      int
	Timeout        time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to any OpenAI-compatible endpoint (OpenAI, DashScope,
// Zhipu, vLLM).
type Client struct {
	client         *openai.Client
	baseURL        string
	model          string
	embeddingModel string
	temperature    float32
	topP           float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	c := newClient(cfg, newBreaker())
	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("base_url", c.baseURL),
	)
	return c
}

func newBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})
}

// newClient builds a client that reports through an existing breaker.
func newClient(cfg Config, cb *circuitbreaker.CircuitBreaker) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		baseURL:        oc.BaseURL,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		topP:           cfg.TopP,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
	}
}

func (c *Client) request(messages []Message, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
		Stream:      stream,
	}
}

// Chat sends the whole conversation and returns the first choice. It does
// not retry; failures go straight back to the caller.
func (c *Client) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result *ChatResponse

	err := c.cb.Execute(func() error {
		resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, false))
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}

		result = &ChatResponse{
			Content: resp.Choices[0].Message.Content,
			Usage:   usageFrom(resp.Usage),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.recordUsage(result.Usage)
	logger.Debug("LLM completion generated",
		zap.String("model", c.model),
		zap.Int("response_length", len(result.Content)),
	)
	return result, nil
}

func (c *Client) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var b strings.Builder

	err := c.cb.Execute(func() error {
		stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages, true))
		if err != nil {
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read completion stream: %w", err)
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			b.WriteString(delta)
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return &ChatResponse{Content: b.String()}, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(func() error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("embedding response has no data")
		}

		embedding = make([]float32, len(resp.Data[0].Embedding))
		copy(embedding, resp.Data[0].Embedding)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) recordUsage(u Usage) {
	if u.PromptTokens != nil {
		metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(*u.PromptTokens))
	}
	if u.CompletionTokens != nil {
		metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(*u.CompletionTokens))
	}
}

// usageFrom maps the provider's usage block. A block of all zeros means
// the provider sent none.
func usageFrom(u openai.Usage) Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return Usage{}
	}
	prompt, completion, total := u.PromptTokens, u.CompletionTokens, u.TotalTokens
	return Usage{
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
		TotalTokens:      &total,
	}
}
