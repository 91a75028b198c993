package llm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
)

// scripted describes one fake provider call.
type scripted struct {
	text   string
	usage  *UsageChunk
	err    *ProviderError
	// midStream emits text before failing.
	midStream string
	// block keeps the call pending until the context is cancelled.
	block bool
}

// fakeProvider replays a script of calls in order, recording the models hit.
type fakeProvider struct {
	script []scripted
	calls  atomic.Int32
	hit    []string
}

func (f *fakeProvider) next(model string) scripted {
	i := int(f.calls.Add(1)) - 1
	f.hit = append(f.hit, model)
	if i >= len(f.script) {
		return scripted{err: &ProviderError{StatusCode: 500, Message: "script exhausted", Retriable: true}}
	}
	return f.script[i]
}

func (f *fakeProvider) Complete(ctx context.Context, model string, _ []models.ChatMessage) (*Completion, error) {
	s := f.next(model)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	c := &Completion{Text: s.text}
	if s.usage != nil {
		c.TokensIn = s.usage.InputTokens
		c.TokensOut = s.usage.OutputTokens
	}
	return c, nil
}

func (f *fakeProvider) Stream(ctx context.Context, model string, _ []models.ChatMessage) (<-chan Chunk, error) {
	s := f.next(model)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		if s.block {
			<-ctx.Done()
			return
		}
		if s.midStream != "" {
			out <- &TextChunk{Content: s.midStream}
		}
		if s.err != nil {
			out <- &ErrorChunk{Err: s.err}
			return
		}
		out <- &TextChunk{Content: s.text}
		if s.usage != nil {
			out <- s.usage
		}
	}()
	return out, nil
}

func testGatewayConfig() *config.GatewayConfig {
	return &config.GatewayConfig{
		MaxAttempts:        5,
		BackoffBaseMs:      1,
		BackoffCapMs:       5,
		ConcurrencyPerTier: 2,
		AdmitTimeoutMs:     50,
		AttemptTimeoutMs:   2000,
		CancelGraceMs:      50,
	}
}

func newTestGateway(provider Provider, cfg *config.GatewayConfig) *Gateway {
	tiers := &config.TiersConfig{
		Small:  config.TierConfig{Name: "small-model", ContextTokens: 16384},
		Medium: config.TierConfig{Name: "medium-model", ContextTokens: 65536},
		Large:  config.TierConfig{Name: "large-model", ContextTokens: 131072},
	}
	g := NewGateway(provider, tiers, cfg, slog.Default())
	g.randFloat = func() float64 { return 1 }
	g.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return g
}

func userMsg(s string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: s}}
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{text: "Check the actuator.", usage: &UsageChunk{InputTokens: 40, OutputTokens: 12}},
	}}
	g := newTestGateway(p, testGatewayConfig())

	var deltas []string
	result, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierMedium, models.TierSmall},
		Messages: userMsg("what next"),
		OnDelta:  func(d string) { deltas = append(deltas, d) },
	})

	require.NoError(t, err)
	assert.Equal(t, "Check the actuator.", result.Text)
	assert.Equal(t, models.TierMedium, result.Tier)
	assert.Equal(t, 40, result.TokensIn)
	assert.Equal(t, 12, result.TokensOut)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].Error)
	assert.Equal(t, []string{"Check the actuator."}, deltas)
}

func TestInvokeRetriesThenFallsBack(t *testing.T) {
	// An outage on the big deployment: three 503s then a 429. The primary
	// tier keeps its full retry budget of four (five attempts total, one
	// reserved for the fallback tier), then the secondary answers.
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 503, Message: "unavailable", Retriable: true}},
		{err: &ProviderError{StatusCode: 503, Message: "unavailable", Retriable: true}},
		{err: &ProviderError{StatusCode: 503, Message: "unavailable", Retriable: true}},
		{err: &ProviderError{StatusCode: 429, Message: "rate limited", Retriable: true, RetryAfter: time.Millisecond}},
		{text: "fallback answer", usage: &UsageChunk{InputTokens: 30, OutputTokens: 8}},
	}}
	g := newTestGateway(p, testGatewayConfig())

	result, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierLarge, models.TierMedium},
		Messages: userMsg("diagnose"),
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result.Text)
	assert.Equal(t, models.TierMedium, result.Tier)
	require.Len(t, attempts, 5)
	for _, a := range attempts[:4] {
		assert.Equal(t, models.TierLarge, a.Tier)
		assert.NotEmpty(t, a.Error)
	}
	assert.Equal(t, models.TierMedium, attempts[4].Tier)
	assert.Empty(t, attempts[4].Error)
}

func TestInvokeReservesAttemptsForFallbackTiers(t *testing.T) {
	// Three-tier chain, budget five: the primary may use at most three
	// attempts so each fallback tier still gets one.
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 503, Retriable: true}},
		{err: &ProviderError{StatusCode: 503, Retriable: true}},
		{err: &ProviderError{StatusCode: 503, Retriable: true}},
		{err: &ProviderError{StatusCode: 503, Retriable: true}},
		{text: "small saves the day"},
	}}
	g := newTestGateway(p, testGatewayConfig())

	result, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierLarge, models.TierMedium, models.TierSmall},
		Messages: userMsg("x"),
	})

	require.NoError(t, err)
	assert.Equal(t, models.TierSmall, result.Tier)
	require.Len(t, attempts, 5)
	tiersHit := []models.Tier{attempts[0].Tier, attempts[1].Tier, attempts[2].Tier, attempts[3].Tier, attempts[4].Tier}
	assert.Equal(t, []models.Tier{
		models.TierLarge, models.TierLarge, models.TierLarge,
		models.TierMedium, models.TierSmall,
	}, tiersHit)
}

func TestInvokeAttemptBudgetExhausted(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{text: "too late"},
	}}
	cfg := testGatewayConfig()
	cfg.MaxAttempts = 5
	g := newTestGateway(p, cfg)

	_, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierLarge, models.TierMedium, models.TierSmall},
		Messages: userMsg("x"),
	})

	require.ErrorIs(t, err, ErrUpstreamFailed)
	assert.Len(t, attempts, 5)
}

func TestInvokePolicyRefusalNotRetried(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 400, Message: "content policy", Policy: true}},
	}}
	g := newTestGateway(p, testGatewayConfig())

	_, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierMedium, models.TierSmall},
		Messages: userMsg("x"),
	})

	require.ErrorIs(t, err, ErrUpstreamPolicy)
	assert.Len(t, attempts, 1, "policy refusals must not retry or fall back")
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestInvokeMidStreamFailureRetries(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{midStream: "partial ", err: &ProviderError{StatusCode: 502, Message: "reset", Retriable: true}},
		{text: "complete answer"},
	}}
	g := newTestGateway(p, testGatewayConfig())

	result, attempts, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierMedium},
		Messages: userMsg("x"),
	})

	require.NoError(t, err)
	assert.Equal(t, "complete answer", result.Text)
	require.Len(t, attempts, 2)
	assert.NotEmpty(t, attempts[0].Error)
}

func TestInvokeCancellationStopsChain(t *testing.T) {
	p := &fakeProvider{script: []scripted{{block: true}}}
	g := newTestGateway(p, testGatewayConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := g.Invoke(ctx, Request{
		Chain:    []models.Tier{models.TierMedium, models.TierSmall},
		Messages: userMsg("x"),
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), p.calls.Load(), "cancellation must not advance the chain")
}

func TestInvokeOverloadedWhenNoSlot(t *testing.T) {
	p := &fakeProvider{script: []scripted{{block: true}, {block: true}, {block: true}}}
	cfg := testGatewayConfig()
	cfg.ConcurrencyPerTier = 1
	cfg.AdmitTimeoutMs = 20
	g := newTestGateway(p, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Occupy the only medium slot.
	go func() {
		_, _, _ = g.Invoke(ctx, Request{Chain: []models.Tier{models.TierMedium}, Messages: userMsg("hold")})
	}()
	time.Sleep(10 * time.Millisecond)

	_, _, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierMedium},
		Messages: userMsg("x"),
	})
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestInvokeNonStreamingTierUsesComplete(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{text: "non-streamed", usage: &UsageChunk{InputTokens: 10, OutputTokens: 5}},
	}}
	g := newTestGateway(p, testGatewayConfig())
	off := false
	g.tiers.Medium.Streaming = &off

	var deltas []string
	result, _, err := g.Invoke(context.Background(), Request{
		Chain:    []models.Tier{models.TierMedium},
		Messages: userMsg("x"),
		OnDelta:  func(d string) { deltas = append(deltas, d) },
	})

	require.NoError(t, err)
	assert.Equal(t, "non-streamed", result.Text)
	assert.Equal(t, []string{"non-streamed"}, deltas, "whole text delivered as one delta")
}

func TestCompleteRetriesOnce(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 500, Retriable: true}},
		{text: `{"agent":"documentation","confidence":0.9}`},
	}}
	g := newTestGateway(p, testGatewayConfig())

	text, err := g.Complete(context.Background(), models.TierSmall, userMsg("classify"))
	require.NoError(t, err)
	assert.Contains(t, text, "documentation")
	assert.Equal(t, []string{"small-model", "small-model"}, p.hit)
}

func TestCompletePolicyErrorSurfaces(t *testing.T) {
	p := &fakeProvider{script: []scripted{
		{err: &ProviderError{StatusCode: 422, Message: "bad input", Policy: true}},
	}}
	g := newTestGateway(p, testGatewayConfig())

	_, err := g.Complete(context.Background(), models.TierSmall, userMsg("x"))
	assert.ErrorIs(t, err, ErrUpstreamPolicy)
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	g := newTestGateway(&fakeProvider{}, testGatewayConfig())
	g.randFloat = func() float64 { return 0.5 }

	d := g.backoff(0, 3*time.Second)
	assert.Equal(t, 3*time.Second, d, "Retry-After floors the computed backoff")
}

func TestBackoffCapped(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.BackoffBaseMs = 500
	cfg.BackoffCapMs = 1000
	g := newTestGateway(&fakeProvider{}, cfg)
	g.randFloat = func() float64 { return 1 }

	d := g.backoff(10, 0)
	assert.Equal(t, time.Second, d)
}
