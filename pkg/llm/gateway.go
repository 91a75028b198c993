package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
)

// Request is one gateway invocation: an ordered fallback chain and the
// prepared context window.
type Request struct {
	Chain    []models.Tier
	Messages []models.ChatMessage

	// OnDelta receives streamed text as it arrives. May be nil.
	OnDelta func(delta string)

	// OnAttempt fires when an attempt starts. May be nil.
	OnAttempt func(tier models.Tier, attempt int)
}

// Result is a successful gateway invocation.
type Result struct {
	Text      string
	Tier      models.Tier
	TokensIn  int
	TokensOut int

	// Attempts records every call made, including failed ones.
	Attempts []models.Attempt
}

// Gateway mediates all LLM calls: per-tier admission, bounded retry with
// full-jitter backoff, tier fallback, and stream consumption.
type Gateway struct {
	provider Provider
	tiers    *config.TiersConfig
	cfg      *config.GatewayConfig
	sems     map[models.Tier]*semaphore.Weighted
	logger   *slog.Logger

	// Injection points for deterministic tests.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway over the provider.
func NewGateway(provider Provider, tiers *config.TiersConfig, cfg *config.GatewayConfig, logger *slog.Logger) *Gateway {
	sems := make(map[models.Tier]*semaphore.Weighted, 3)
	for _, tier := range []models.Tier{models.TierSmall, models.TierMedium, models.TierLarge} {
		sems[tier] = semaphore.NewWeighted(int64(cfg.ConcurrencyPerTier))
	}
	return &Gateway{
		provider:  provider,
		tiers:     tiers,
		cfg:       cfg,
		sems:      sems,
		logger:    logger.With("component", "gateway"),
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
}

// Complete performs a blocking non-streaming call on one tier, with the
// gateway's usual admission and retry. Used for classification and
// summarization.
func (g *Gateway) Complete(ctx context.Context, tier models.Tier, messages []models.ChatMessage) (string, error) {
	tc := g.tiers.Get(tier)
	if tc == nil {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	if err := g.admit(ctx, tier); err != nil {
		return "", err
	}
	defer g.release(tier)

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout())
		start := time.Now()
		completion, err := g.provider.Complete(attemptCtx, tc.Name, messages)
		cancel()
		g.observe(tier, start, err)

		if err == nil {
			tokensTotal.WithLabelValues(string(tier), "in").Add(float64(completion.TokensIn))
			tokensTotal.WithLabelValues(string(tier), "out").Add(float64(completion.TokensOut))
			return completion.Text, nil
		}
		lastErr = err

		var perr *ProviderError
		if !errors.As(err, &perr) {
			return "", err
		}
		if perr.Policy {
			return "", fmt.Errorf("%w: %s", ErrUpstreamPolicy, perr.Message)
		}
		if !perr.Retriable {
			break
		}
		if err := g.sleep(ctx, g.backoff(attempt, perr.RetryAfter)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
}

// Invoke runs the fallback chain until one tier streams a complete response
// or the attempt budget is exhausted. All attempts, failed ones included, are
// recorded on the result or returned alongside the error.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Result, []models.Attempt, error) {
	chain := make([]models.Tier, 0, len(req.Chain))
	for _, tier := range req.Chain {
		if g.tiers.Get(tier) != nil {
			chain = append(chain, tier)
		}
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("empty fallback chain")
	}

	var attempts []models.Attempt
	attemptsUsed := 0
	admitted := false
	var lastErr error

	for i, tier := range chain {
		tc := g.tiers.Get(tier)

		if err := g.admit(ctx, tier); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, attempts, err
			}
			g.logger.Warn("tier admission failed, advancing chain", "tier", tier)
			lastErr = err
			continue
		}
		admitted = true

		// The current tier may retry until the global attempt budget is
		// spent, less one attempt reserved for each remaining fallback tier
		// so a flapping primary cannot starve the chain.
		budget := g.cfg.MaxAttempts - attemptsUsed - (len(chain) - 1 - i)
		if budget < 1 {
			budget = 1
		}

		result, tierAttempts, err := g.runTier(ctx, tier, tc, req, budget, &attemptsUsed)
		g.release(tier)
		attempts = append(attempts, tierAttempts...)
		if err == nil {
			result.Attempts = attempts
			return result, attempts, nil
		}
		lastErr = err

		// Policy refusals and cancellations end the whole chain.
		if errors.Is(err, ErrUpstreamPolicy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, attempts, err
		}
		if attemptsUsed >= g.cfg.MaxAttempts {
			break
		}
	}

	if !admitted {
		return nil, attempts, ErrOverloaded
	}
	if errors.Is(lastErr, ErrUpstreamFailed) {
		return nil, attempts, lastErr
	}
	return nil, attempts, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
}

// runTier retries one tier until success, a terminal error, or its retry
// budget runs out.
func (g *Gateway) runTier(ctx context.Context, tier models.Tier, tc *config.TierConfig, req Request, budget int, attemptsUsed *int) (*Result, []models.Attempt, error) {
	var attempts []models.Attempt
	var lastErr error

	for try := 0; try < budget && *attemptsUsed < g.cfg.MaxAttempts; try++ {
		*attemptsUsed++
		if req.OnAttempt != nil {
			req.OnAttempt(tier, *attemptsUsed)
		}

		attempt, result, err := g.runAttempt(ctx, tier, tc, req)
		attempts = append(attempts, attempt)
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err
		g.logger.Warn("attempt failed", "tier", tier, "attempt", *attemptsUsed, "error", err)

		var perr *ProviderError
		if !errors.As(err, &perr) {
			return nil, attempts, err
		}
		if perr.Policy {
			return nil, attempts, fmt.Errorf("%w: %s", ErrUpstreamPolicy, perr.Message)
		}
		if !perr.Retriable {
			return nil, attempts, fmt.Errorf("%w: %v", ErrUpstreamFailed, perr)
		}
		if try+1 < budget && *attemptsUsed < g.cfg.MaxAttempts {
			if err := g.sleep(ctx, g.backoff(try, perr.RetryAfter)); err != nil {
				return nil, attempts, err
			}
		}
	}
	return nil, attempts, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
}

// runAttempt performs one provider call, streaming when the tier supports it.
func (g *Gateway) runAttempt(ctx context.Context, tier models.Tier, tc *config.TierConfig, req Request) (models.Attempt, *Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout())
	defer cancel()

	start := time.Now()
	attempt := models.Attempt{Tier: tier, StartedAt: start.UTC()}

	var result *Result
	var err error
	if tc.SupportsStreaming() {
		result, err = g.consumeStream(ctx, attemptCtx, tc.Name, req)
	} else {
		var completion *Completion
		completion, err = g.provider.Complete(attemptCtx, tc.Name, req.Messages)
		if err == nil {
			if req.OnDelta != nil {
				req.OnDelta(completion.Text)
			}
			result = &Result{Text: completion.Text, TokensIn: completion.TokensIn, TokensOut: completion.TokensOut}
		}
	}
	g.observe(tier, start, err)

	attempt.EndedAt = time.Now().UTC()
	if err != nil {
		attempt.Error = err.Error()
		return attempt, nil, err
	}

	result.Tier = tier
	attempt.TokensIn = result.TokensIn
	attempt.TokensOut = result.TokensOut
	tokensTotal.WithLabelValues(string(tier), "in").Add(float64(result.TokensIn))
	tokensTotal.WithLabelValues(string(tier), "out").Add(float64(result.TokensOut))
	return attempt, result, nil
}

// consumeStream drains a provider stream into a Result, forwarding deltas.
// On parent cancellation the attempt is abandoned within the cancel grace.
func (g *Gateway) consumeStream(parent, attemptCtx context.Context, model string, req Request) (*Result, error) {
	stream, err := g.provider.Stream(attemptCtx, model, req.Messages)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	result := &Result{}
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				result.Text = text.String()
				return result, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				text.WriteString(c.Content)
				if req.OnDelta != nil {
					req.OnDelta(c.Content)
				}
			case *UsageChunk:
				result.TokensIn = c.InputTokens
				result.TokensOut = c.OutputTokens
			case *ErrorChunk:
				g.drain(stream)
				return nil, c.Err
			}
		case <-parent.Done():
			g.drainWithGrace(stream)
			return nil, parent.Err()
		case <-attemptCtx.Done():
			g.drainWithGrace(stream)
			return nil, &ProviderError{StatusCode: 408, Message: "attempt deadline exceeded", Retriable: true}
		}
	}
}

func (g *Gateway) drain(stream <-chan Chunk) {
	for range stream {
	}
}

// drainWithGrace waits for the provider goroutine to finish, bounded by the
// cancel grace so a stuck upstream cannot hold the caller.
func (g *Gateway) drainWithGrace(stream <-chan Chunk) {
	grace := time.NewTimer(g.cfg.CancelGrace())
	defer grace.Stop()
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}

// AwaitCapacity blocks until some tier has a free slot, up to the admit
// timeout, then returns ErrOverloaded. Lets callers surface saturation
// before a request touches storage.
func (g *Gateway) AwaitCapacity(ctx context.Context) error {
	admitCtx, cancel := context.WithTimeout(ctx, g.cfg.AdmitTimeout())
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, sem := range g.sems {
			if sem.TryAcquire(1) {
				sem.Release(1)
				return nil
			}
		}
		select {
		case <-admitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrOverloaded
		case <-ticker.C:
		}
	}
}

// admit acquires a tier slot within the admit timeout.
func (g *Gateway) admit(ctx context.Context, tier models.Tier) error {
	sem, exists := g.sems[tier]
	if !exists {
		return fmt.Errorf("unknown tier %q", tier)
	}

	admitCtx, cancel := context.WithTimeout(ctx, g.cfg.AdmitTimeout())
	defer cancel()
	if err := sem.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		overloadTotal.WithLabelValues(string(tier)).Inc()
		return ErrOverloaded
	}
	inflight.WithLabelValues(string(tier)).Inc()
	return nil
}

func (g *Gateway) release(tier models.Tier) {
	g.sems[tier].Release(1)
	inflight.WithLabelValues(string(tier)).Dec()
}

func (g *Gateway) observe(tier models.Tier, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attemptsTotal.WithLabelValues(string(tier), outcome).Inc()
	attemptDuration.WithLabelValues(string(tier)).Observe(time.Since(start).Seconds())
}

// backoff computes a full-jitter delay: min(base*2^attempt, cap) scaled by a
// uniform random factor, floored by the provider's Retry-After when present.
func (g *Gateway) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := g.cfg.BackoffBase() << uint(attempt)
	if cap := g.cfg.BackoffCap(); d > cap || d <= 0 {
		d = cap
	}
	d = time.Duration(float64(d) * g.randFloat())
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
