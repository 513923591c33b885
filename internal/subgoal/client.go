// Package subgoal requests new subgoal images from the remote generation
// service when an attempt ends.
package subgoal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/navpolicy/internal/httputil"
	"github.com/banshee-data/navpolicy/internal/imaging"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/timeutil"
)

// Primitives are the natural-language directives sent with each request.
var Primitives = []string{"Turn left", "Turn right", "Go straight", "Stop"}

var (
	// ErrTransport marks connection failures and per-attempt timeouts.
	ErrTransport = errors.New("subgoal transport failure")
	// ErrStatus marks a non-2xx answer from the service.
	ErrStatus = errors.New("subgoal service error")
	// ErrDecode marks a response whose image could not be decoded.
	ErrDecode = errors.New("subgoal decode failure")
)

// RefreshError is returned when every attempt failed. Err wraps one of the
// sentinels above from the last attempt.
type RefreshError struct {
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("subgoal refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Request is the body posted to the service.
type Request struct {
	Current  string `json:"curr"`
	HLPrompt string `json:"hl_prompt"`
	LLPrompt string `json:"ll_prompt"`
}

// Response carries the generated subgoal as base64 image bytes.
type Response struct {
	Goal string `json:"goal"`
}

// DefaultMaxBackoff caps the wait between attempts when Config.MaxBackoff is
// unset.
const DefaultMaxBackoff = 10 * time.Second

// Config controls the refresh protocol.
type Config struct {
	ServerURL   string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Seed        uint64
}

// Client fetches subgoals. Each attempt is bounded by Timeout; failed attempts
// are retried after an exponential backoff measured on the injected clock.
type Client struct {
	cfg   Config
	http  httputil.HTTPClient
	clock timeutil.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient creates a client. A nil clock uses the real clock.
func NewClient(cfg Config, client httputil.HTTPClient, clock timeutil.Clock) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Client{
		cfg:   cfg,
		http:  client,
		clock: clock,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}
}

func (c *Client) directive() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Primitives[c.rng.IntN(len(Primitives))]
}

// Fetch sends the live frame and returns the new subgoal. The caller blocks
// for at most MaxAttempts timeouts plus backoff.
func (c *Client) Fetch(ctx context.Context, current policy.Frame) (policy.Frame, error) {
	encoded := current.Encoded
	if len(encoded) == 0 {
		if current.Image == nil {
			return policy.Frame{}, &RefreshError{Err: fmt.Errorf("%w: no live frame", ErrTransport)}
		}
		var err error
		if encoded, err = imaging.EncodeJPEG(current.Image); err != nil {
			return policy.Frame{}, &RefreshError{Err: fmt.Errorf("%w: %v", ErrTransport, err)}
		}
	}
	curr := base64.StdEncoding.EncodeToString(encoded)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		var err error
		if attempt > 1 {
			err = c.clock.SleepContext(ctx, c.backoff(attempt))
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return policy.Frame{}, &RefreshError{Attempts: attempt - 1, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
		}

		directive := c.directive()
		goal, err := c.fetchOnce(ctx, curr, directive)
		if err == nil {
			monitoring.Logf("[Subgoal] new subgoal for %q after %d attempt(s)", directive, attempt)
			return goal, nil
		}
		lastErr = err
		monitoring.Logf("[Subgoal] attempt %d/%d failed: %v", attempt, c.cfg.MaxAttempts, err)
	}
	return policy.Frame{}, &RefreshError{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

// backoff returns the wait before attempt (2-based), doubling from Backoff
// and capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.Backoff
	for i := 2; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.cfg.MaxBackoff)
}

func (c *Client) fetchOnce(ctx context.Context, curr, directive string) (policy.Frame, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var resp Response
	req := Request{Current: curr, HLPrompt: directive, LLPrompt: directive}
	if err := httputil.PostJSON(ctx, c.http, c.cfg.ServerURL, req, &resp); err != nil {
		var se *httputil.StatusError
		switch {
		case errors.As(err, &se):
			return policy.Frame{}, fmt.Errorf("%w: %v", ErrStatus, err)
		case errors.Is(err, httputil.ErrDecodeResponse):
			return policy.Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
		default:
			return policy.Frame{}, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Goal)
	if err != nil {
		return policy.Frame{}, fmt.Errorf("%w: goal is not base64: %v", ErrDecode, err)
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return policy.Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return policy.Frame{Image: img, Encoded: raw, CapturedAt: c.clock.Now()}, nil
}
