// Package provider abstracts the LLM backends the alignment worker can
// call (spec.md §4.D step 3): a Provider turns a prompt into structured
// text and fails with one of a closed set of typed errors the worker's
// retry/defer logic branches on.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Response is a provider's completion result.
type Response struct {
	Text       string
	Model      string
	InputToks  int
	OutputToks int
	Latency    time.Duration
}

// Provider is implemented by every concrete LLM backend.
type Provider interface {
	// Name returns the registry key this provider was constructed under.
	Name() string
	// Complete issues a single completion request. Errors are always
	// *apperrors.AppError; a failed backend call carries one of the five
	// typed kinds below.
	Complete(ctx context.Context, req Request) (Response, error)
	// Authenticated reports whether the provider currently holds valid
	// credentials, surfaced on GET /health.
	Authenticated(ctx context.Context) bool
	// Model returns the configured model identifier, for GET /health.
	Model() string
}

// Typed failure kinds a Provider.Complete may return (spec.md §4.D step 3).
var (
	ErrRateLimited      = apperrors.ErrorTypeRateLimit
	ErrQuotaExceeded    = apperrors.ErrorTypeQuota
	ErrNotAuthenticated = apperrors.ErrorTypeAuth
	ErrTransient        = apperrors.ErrorTypeTransientNetwork
	ErrPermanent        = apperrors.ErrorTypePermanent
)

// Factory constructs a Provider from its configuration.
type Factory func(cfg Config) (Provider, error)

// Config is the subset of internal/config.LLMConfig a provider needs;
// kept separate to avoid an import cycle between config and provider.
type Config struct {
	Name        string
	APIKey      string
	Model       string
	Region      string
	ProjectID   string
	Endpoint    string
	MaxTokens   int
	Temperature float64
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named provider factory. Called from each concrete
// provider's init(), mirroring a database/sql-style driver registry.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New dynamically dispatches to the registered factory for cfg.Name,
// wrapping the result in a circuit breaker (spec.md design note on
// provider resilience).
func New(cfg Config) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "unknown LLM provider %q", cfg.Name)
	}
	p, err := f(cfg)
	if err != nil {
		return nil, err
	}
	return withBreaker(p), nil
}

// breakerProvider wraps a Provider with a gobreaker.CircuitBreaker so that
// a provider tripping repeatedly fails fast instead of compounding load
// against an already-struggling backend.
type breakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[Response]
}

func withBreaker(p Provider) Provider {
	cb := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        "llm-provider-" + p.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerProvider{inner: p, cb: cb}
}

func (b *breakerProvider) Name() string { return b.inner.Name() }

func (b *breakerProvider) Model() string { return b.inner.Model() }

func (b *breakerProvider) Authenticated(ctx context.Context) bool {
	return b.inner.Authenticated(ctx)
}

func (b *breakerProvider) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := b.cb.Execute(func() (Response, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeTransientNetwork,
				fmt.Sprintf("circuit open for provider %s", b.inner.Name()))
		}
		return resp, err
	}
	return resp, nil
}
