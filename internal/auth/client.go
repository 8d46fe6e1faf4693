// Package auth calls the remote identity service that turns a client
// token into a user id and channel set.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/relaycore/chatrelay/internal/domain/model"
)

const (
	maxAttempts = 5
	cacheSize   = 4096
)

var (
	// ErrRejected is an explicit authentication rejection; the connection
	// is closed with an error envelope.
	ErrRejected = errors.New("auth: authentication rejected")

	// ErrUnavailable means the identity service could not be reached or
	// kept failing; distinct from rejection so clients see a different
	// message.
	ErrUnavailable = errors.New("auth: identity service unavailable")
)

// Client queries the identity service with bounded retries, a circuit
// breaker around the transport, and a short-lived per-token cache that
// absorbs re-auth storms from "update" control messages.
type Client struct {
	http        *http.Client
	endpoint    string
	headerName  string
	headerValue string
	breaker     *gobreaker.CircuitBreaker
	cache       *expirable.LRU[string, model.AuthResult]
	logger      *slog.Logger
}

type Config struct {
	Endpoint    string
	HeaderName  string
	HeaderValue string
	CacheTTL    time.Duration
	Timeout     time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var cache *expirable.LRU[string, model.AuthResult]
	if cfg.CacheTTL > 0 {
		cache = expirable.NewLRU[string, model.AuthResult](cacheSize, nil, cfg.CacheTTL)
	}
	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		endpoint:    cfg.Endpoint,
		headerName:  cfg.HeaderName,
		headerValue: cfg.HeaderValue,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "auth",
			Timeout: 30 * time.Second,
		}),
		cache:  cache,
		logger: logger.With("component", "auth"),
	}
}

// Authenticate resolves the token. It returns ErrRejected on an explicit
// denial and ErrUnavailable when the service cannot give a verdict.
func (c *Client) Authenticate(ctx context.Context, token string) (model.AuthResult, error) {
	if c.cache != nil {
		if res, ok := c.cache.Get(token); ok {
			return res, nil
		}
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, token)
	})
	if err != nil {
		c.logger.Error("auth request failed", "err", err)
		return model.AuthResult{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	res := out.(model.AuthResult)
	if !res.Success {
		return res, ErrRejected
	}
	if c.cache != nil {
		c.cache.Add(token, res)
	}
	return res, nil
}

// fetch performs the HTTP exchange, retrying bad status codes up to the
// attempt bound. Transport errors are not retried; the breaker and the
// caller's reconnect handle those.
func (c *Client) fetch(ctx context.Context, token string) (model.AuthResult, error) {
	target := c.endpoint + "?token=" + url.QueryEscape(token)
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return model.AuthResult{}, err
		}
		if c.headerName != "" && c.headerValue != "" {
			req.Header.Set(c.headerName, c.headerValue)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return model.AuthResult{}, err
		}
		if resp.StatusCode == http.StatusOK {
			var res model.AuthResult
			err := json.NewDecoder(resp.Body).Decode(&res)
			resp.Body.Close()
			if err != nil {
				return model.AuthResult{}, fmt.Errorf("decode auth response: %w", err)
			}
			return res, nil
		}
		resp.Body.Close()
		if attempt >= maxAttempts {
			return model.AuthResult{}, fmt.Errorf("status %d after %d attempts", resp.StatusCode, attempt)
		}
		c.logger.Warn("auth attempt returned bad status, retrying", "status", resp.StatusCode, "attempt", attempt)
	}
}
