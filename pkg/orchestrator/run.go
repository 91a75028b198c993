package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avitech-ai/aeromind/pkg/classifier"
	"github.com/avitech-ai/aeromind/pkg/contextmgr"
	"github.com/avitech-ai/aeromind/pkg/events"
	"github.com/avitech-ai/aeromind/pkg/llm"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/selector"
)

// persistRetryDelay spaces assistant append retries.
const persistRetryDelay = 200 * time.Millisecond

// activeRun is the state of one executing run.
type activeRun struct {
	orch   *Orchestrator
	req    RunRequest
	run    *models.RequestRun
	conv   *models.Conversation
	state  State
	logger *slog.Logger
}

func (r *activeRun) transition(next State) {
	r.logger.Debug("run state transition", "from", r.state, "to", next)
	r.state = next
}

// execute drives the run through its states. The conversation lock is held
// for the whole call.
func (r *activeRun) execute(ctx context.Context) (*RunResult, error) {
	o := r.orch

	// The user message commits before anything else happens, so a failure
	// later never loses the question.
	userMsg, err := o.store.Append(ctx, models.AppendMessageRequest{
		ConversationID: r.req.ConversationID,
		Role:           models.RoleUser,
		Content:        r.req.Query,
	})
	if err != nil {
		return nil, r.mapAppendError(err)
	}

	transcript, err := o.store.ListMessages(ctx, r.req.ConversationID, 0)
	if err != nil {
		return nil, r.fail(ctx, models.KindPersistFailed, "failed to load conversation history", err)
	}

	// Classifying
	r.transition(StateClassifying)
	if err := ctx.Err(); err != nil {
		return nil, r.cancelled(err)
	}

	decision := o.classifier.Classify(ctx, classifier.Request{
		Query:          r.req.Query,
		RecentMessages: chatTail(transcript, recentContextMessages),
		AgentHint:      r.conv.AgentHint,
		ForcedAgent:    r.req.ForcedAgent,
	})
	r.run.Classification = decision
	r.publish(ctx, func(p Publisher) error {
		return p.PublishClassified(ctx, r.conv.ID, events.ClassifiedPayload{
			RunID:        r.run.RunID,
			Agent:        decision.Agent,
			AgentName:    decision.Agent.DisplayName(),
			Confidence:   decision.Confidence,
			Forced:       decision.Forced,
			FallbackFrom: decision.FallbackFrom,
		})
	})

	// An agent change is announced before any typing indicator so clients
	// can relabel the conversation first.
	prevAgent := r.conv.AgentHint
	if prevAgent.Valid() && prevAgent != decision.Agent {
		r.publish(ctx, func(p Publisher) error {
			return p.PublishAgentSwitched(ctx, r.conv.ID, events.AgentSwitchedPayload{
				RunID: r.run.RunID,
				From:  prevAgent,
				To:    decision.Agent,
			})
		})
	}

	// Selecting
	r.transition(StateSelecting)
	modelDecision := o.selector.Select(selector.Request{
		Query:           r.req.Query,
		Agent:           decision.Agent,
		AssistantTurns:  countAssistantTurns(transcript),
		BudgetRemaining: o.budgetRemaining(ctx, r.conv.OwnerID),
	})
	r.run.ModelDecision = modelDecision
	r.publish(ctx, func(p Publisher) error {
		return p.PublishModelSelected(ctx, r.conv.ID, events.ModelSelectedPayload{
			RunID:  r.run.RunID,
			Tier:   modelDecision.PrimaryTier,
			Chain:  modelDecision.Chain,
			Reason: modelDecision.Reason,
		})
	})

	// Building
	r.transition(StateBuilding)
	window, err := o.builder.Build(ctx, contextmgr.Request{
		Conversation: r.conv,
		Messages:     transcript,
		Agent:        decision.Agent,
		Tier:         modelDecision.PrimaryTier,
	})
	if err != nil {
		if errors.Is(err, contextmgr.ErrQueryTooLong) {
			return nil, r.fail(ctx, models.KindQueryTooLong, "query exceeds the model context window", err)
		}
		return nil, r.fail(ctx, models.KindContextBuildFailed, "failed to build context window", err)
	}
	r.run.Warning = window.Warning

	// Invoking / Streaming. The typing indicator is tied to the stream: it
	// starts with the first chunk, so a run that fails before any output
	// never shows a phantom typing phase.
	r.transition(StateInvoking)
	var streaming atomic.Bool
	result, attempts, err := o.gateway.Invoke(ctx, llm.Request{
		Chain:    modelDecision.Chain,
		Messages: window.Messages,
		OnDelta: func(delta string) {
			if streaming.CompareAndSwap(false, true) {
				r.transition(StateStreaming)
				r.publish(ctx, func(p Publisher) error {
					return p.PublishTypingStart(ctx, r.conv.ID, events.TypingPayload{RunID: r.run.RunID, Agent: decision.Agent})
				})
			}
			r.publish(ctx, func(p Publisher) error {
				return p.PublishTokenDelta(ctx, r.conv.ID, events.TokenDeltaPayload{RunID: r.run.RunID, Delta: delta})
			})
		},
	})
	r.run.Attempts = attempts

	if streaming.Load() {
		r.publish(ctx, func(p Publisher) error {
			return p.PublishTypingEnd(ctx, r.conv.ID, events.TypingPayload{RunID: r.run.RunID, Agent: decision.Agent})
		})
	}

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, r.cancelled(err)
		case errors.Is(err, llm.ErrOverloaded):
			return nil, r.fail(ctx, models.KindOverloaded, "model capacity exhausted, try again shortly", err)
		case errors.Is(err, llm.ErrUpstreamPolicy):
			return nil, r.fail(ctx, models.KindUpstreamPolicy, "the model declined this request", err)
		default:
			return nil, r.fail(ctx, models.KindUpstreamFailed, "the model is currently unavailable", err)
		}
	}

	// Persisting
	r.transition(StatePersisting)
	assistantMsg, err := r.persistAssistant(ctx, decision.Agent, result)
	if err != nil {
		return nil, r.fail(ctx, models.KindPersistFailed, "failed to store the response", err)
	}

	r.run.Outcome = models.OutcomeOK
	r.run.TotalCost = r.totalCost()
	r.publish(ctx, func(p Publisher) error {
		return p.PublishAssistantMessage(ctx, r.conv.ID, events.AssistantMessagePayload{
			RunID:     r.run.RunID,
			MessageID: assistantMsg.ID,
			Seq:       assistantMsg.Seq,
			Agent:     decision.Agent,
			AgentName: decision.Agent.DisplayName(),
			Tier:      result.Tier,
			Content:   result.Text,
			Warning:   window.Warning,
		})
	})
	r.finish(ctx, models.OutcomeOK)
	r.transition(StateCompleted)

	r.logger.Info("run completed",
		"agent", decision.Agent, "tier", result.Tier,
		"tokens_in", result.TokensIn, "tokens_out", result.TokensOut,
		"attempts", len(attempts), "cost", r.run.TotalCost,
		"user_seq", userMsg.Seq, "assistant_seq", assistantMsg.Seq)

	return &RunResult{Run: r.run, Message: assistantMsg}, nil
}

// persistAssistant appends the reply with bounded retries. The conversation
// lock is still held, so the seq slot cannot be stolen between retries.
func (r *activeRun) persistAssistant(ctx context.Context, agent models.AgentType, result *llm.Result) (*models.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= r.orch.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(persistRetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		msg, err := r.orch.store.Append(ctx, models.AppendMessageRequest{
			ConversationID: r.req.ConversationID,
			Role:           models.RoleAssistant,
			Content:        result.Text,
			AgentType:      agent,
			TierUsed:       result.Tier,
			TokensIn:       result.TokensIn,
			TokensOut:      result.TokensOut,
		})
		if err == nil {
			return msg, nil
		}
		lastErr = err
		r.logger.Warn("assistant append failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// fail publishes the error and done events, records the run, and returns the
// client-facing error.
func (r *activeRun) fail(ctx context.Context, kind models.ErrorKind, msg string, cause error) error {
	r.transition(StateFailed)
	r.run.Outcome = models.OutcomeFailed

	// Publishes run on a fresh context: the run context may already be
	// cancelled or expired.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.publish(pubCtx, func(p Publisher) error {
		return p.PublishError(pubCtx, r.conv.ID, events.ErrorPayload{RunID: r.run.RunID, Kind: kind, Message: msg})
	})
	r.finish(pubCtx, models.OutcomeFailed)

	r.logger.Warn("run failed", "kind", kind, "error", cause)
	return &RunError{Kind: kind, Message: msg, cause: cause}
}

// cancelled ends the run on the cancellation path.
func (r *activeRun) cancelled(cause error) error {
	r.transition(StateCancelled)
	r.run.Outcome = models.OutcomeCancelled

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.publish(pubCtx, func(p Publisher) error {
		return p.PublishError(pubCtx, r.conv.ID, events.ErrorPayload{
			RunID: r.run.RunID, Kind: models.KindCancelled, Message: "request cancelled",
		})
	})
	r.finish(pubCtx, models.OutcomeCancelled)

	r.logger.Info("run cancelled")
	return &RunError{Kind: models.KindCancelled, Message: "request cancelled", cause: cause}
}

// finish publishes done and hands the run to the ledger.
func (r *activeRun) finish(ctx context.Context, outcome models.Outcome) {
	r.publish(ctx, func(p Publisher) error {
		return p.PublishDone(ctx, r.conv.ID, events.DonePayload{RunID: r.run.RunID, Outcome: outcome})
	})
	if outcome != models.OutcomeOK {
		r.run.TotalCost = r.totalCost()
	}
	r.orch.ledger.Record(r.run)
}

// publish runs an event publish, logging failures instead of surfacing them.
// Event delivery is best-effort relative to the run itself.
func (r *activeRun) publish(ctx context.Context, fn func(Publisher) error) {
	if err := fn(r.orch.publisher); err != nil && ctx.Err() == nil {
		r.logger.Warn("event publish failed", "error", err)
	}
}

// totalCost prices every attempt at its tier's rates.
func (r *activeRun) totalCost() float64 {
	total := 0.0
	for _, attempt := range r.run.Attempts {
		total += r.orch.accountant.EstimateCost(attempt.TokensIn, attempt.TokensOut, attempt.Tier)
	}
	return total
}

func (r *activeRun) mapAppendError(err error) error {
	return &RunError{Kind: models.KindPersistFailed, Message: "failed to store the message", cause: err}
}

// chatTail converts the transcript's last n messages to chat form.
func chatTail(transcript []*models.Message, n int) []models.ChatMessage {
	start := 0
	if len(transcript) > n {
		start = len(transcript) - n
	}
	out := make([]models.ChatMessage, 0, len(transcript)-start)
	for _, msg := range transcript[start:] {
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func countAssistantTurns(transcript []*models.Message) int {
	count := 0
	for _, msg := range transcript {
		if msg.Role == models.RoleAssistant {
			count++
		}
	}
	return count
}
