package llm

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/circuitbreaker"
	"github.com/pestwatch/backend/pkg/logger"
)

// Registry hands out the LLM client. With reuse on, one client is built on
// first use and shared; with reuse off every call gets a fresh client, which
// keeps connection state out of highly concurrent request paths. All clients
// of a registry report through one circuit breaker.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	reuse  bool
	cb     *circuitbreaker.CircuitBreaker
	client *Client
	build  func(Config, *circuitbreaker.CircuitBreaker) *Client
}

func NewRegistry(cfg Config, reuse bool) *Registry {
	logger.Info("LLM registry initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("reuse_client", reuse),
	)
	return &Registry{cfg: cfg, reuse: reuse, cb: newBreaker(), build: newClient}
}

func (r *Registry) Client() *Client {
	if !r.reuse {
		return r.build(r.cfg, r.cb)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		r.client = r.build(r.cfg, r.cb)
	}
	return r.client
}

func (r *Registry) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	return r.Client().Chat(ctx, messages)
}

func (r *Registry) ChatStream(ctx context.Context, messages []Message, onDelta func(string) error) (*ChatResponse, error) {
	return r.Client().ChatStream(ctx, messages, onDelta)
}

func (r *Registry) Embed(ctx context.Context, text string) ([]float32, error) {
	return r.Client().Embed(ctx, text)
}
