// Package orchestrator drives one user query end to end: classify, select a
// tier, build the context window, invoke the gateway, persist the reply, and
// publish progress events along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avitech-ai/aeromind/pkg/classifier"
	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/contextmgr"
	"github.com/avitech-ai/aeromind/pkg/events"
	"github.com/avitech-ai/aeromind/pkg/ledger"
	"github.com/avitech-ai/aeromind/pkg/llm"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/selector"
	"github.com/avitech-ai/aeromind/pkg/tokens"
)

// ErrBusy means another request holds the conversation's lock and the wait
// deadline passed. The conversation is unchanged.
var ErrBusy = errors.New("conversation busy")

// recentContextMessages is the transcript tail handed to the classifier.
const recentContextMessages = 6

// State labels a run's position in the lifecycle. States advance forward
// only; Failed and Cancelled are terminal alongside Completed.
type State string

const (
	StateReceived    State = "received"
	StateClassifying State = "classifying"
	StateSelecting   State = "selecting"
	StateBuilding    State = "building"
	StateInvoking    State = "invoking"
	StateStreaming   State = "streaming"
	StatePersisting  State = "persisting"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Store is the conversation persistence surface. Implemented by
// services.ConversationService.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	Append(ctx context.Context, req models.AppendMessageRequest) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// Publisher is the event publishing surface. Implemented by events.Publisher.
type Publisher interface {
	PublishClassified(ctx context.Context, conversationID string, payload events.ClassifiedPayload) error
	PublishModelSelected(ctx context.Context, conversationID string, payload events.ModelSelectedPayload) error
	PublishAgentSwitched(ctx context.Context, conversationID string, payload events.AgentSwitchedPayload) error
	PublishAssistantMessage(ctx context.Context, conversationID string, payload events.AssistantMessagePayload) error
	PublishError(ctx context.Context, conversationID string, payload events.ErrorPayload) error
	PublishDone(ctx context.Context, conversationID string, payload events.DonePayload) error
	PublishTypingStart(ctx context.Context, conversationID string, payload events.TypingPayload) error
	PublishTypingEnd(ctx context.Context, conversationID string, payload events.TypingPayload) error
	PublishTokenDelta(ctx context.Context, conversationID string, payload events.TokenDeltaPayload) error
}

// Classifier routes queries to specialists.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) models.ClassificationDecision
}

// Selector picks tiers and fallback chains.
type Selector interface {
	Select(req selector.Request) models.ModelDecision
}

// WindowBuilder assembles context windows.
type WindowBuilder interface {
	Build(ctx context.Context, req contextmgr.Request) (*contextmgr.Window, error)
}

// Gateway invokes the LLM with retry and fallback.
type Gateway interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Result, []models.Attempt, error)

	// AwaitCapacity blocks until some tier has a free slot or the admit
	// timeout passes, then returns llm.ErrOverloaded.
	AwaitCapacity(ctx context.Context) error
}

// Ledger records finished runs.
type Ledger interface {
	Record(run *models.RequestRun)
}

// CostReader reads an owner's recent spend. Implemented by ledger.Service.
type CostReader interface {
	CostForOwner(ctx context.Context, ownerID string, since time.Time) (*ledger.OwnerCost, error)
}

// RunError is a run failure with a stable client-facing kind.
type RunError struct {
	Kind    models.ErrorKind
	Message string
	cause   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.cause }

// Orchestrator executes runs.
type Orchestrator struct {
	cfg        *config.OrchestratorConfig
	budget     *config.BudgetConfig
	store      Store
	publisher  Publisher
	classifier Classifier
	selector   Selector
	builder    WindowBuilder
	gateway    Gateway
	ledger     Ledger
	costs      CostReader
	accountant *tokens.Accountant

	locks    *lockTable
	registry *cancelRegistry
	logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator. costs may be nil when no budget
// policy is configured.
func NewOrchestrator(cfg *config.OrchestratorConfig, budget *config.BudgetConfig,
	store Store, publisher Publisher, cls Classifier, sel Selector, builder WindowBuilder,
	gateway Gateway, ledger Ledger, costs CostReader, accountant *tokens.Accountant,
	logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		budget:     budget,
		store:      store,
		publisher:  publisher,
		classifier: cls,
		selector:   sel,
		builder:    builder,
		gateway:    gateway,
		ledger:     ledger,
		costs:      costs,
		accountant: accountant,
		locks:      newLockTable(),
		registry:   newCancelRegistry(),
		logger:     logger.With("component", "orchestrator"),
	}
}

// RunRequest is one user query to execute.
type RunRequest struct {
	ConversationID string
	OwnerID        string
	Query          string

	// ForcedAgent pins a specialist and skips classification.
	ForcedAgent models.AgentType

	// SessionID ties the run to a WebSocket session for disconnect
	// cancellation. Empty for HTTP runs.
	SessionID string
}

// RunResult is a completed run.
type RunResult struct {
	Run     *models.RequestRun
	Message *models.Message
}

// Cancel cancels a run by id. Idempotent; returns false for unknown runs.
func (o *Orchestrator) Cancel(runID string) bool {
	return o.registry.cancel(runID)
}

// CancelSession cancels every run started by a WebSocket session.
func (o *Orchestrator) CancelSession(sessionID string) {
	o.registry.cancelSession(sessionID)
}

// Execute runs one query end to end. Blocks until the run reaches a terminal
// state.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Query == "" {
		return nil, &RunError{Kind: models.KindInvalidRequest, Message: "query is required"}
	}

	runID := uuid.New().String()
	logger := o.logger.With("run_id", runID, "conversation_id", req.ConversationID)

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout())
	defer cancel()
	o.registry.register(runID, req.SessionID, cancel)
	defer o.registry.unregister(runID)

	// Saturation is surfaced before the lock is taken and before anything
	// is written, so an overloaded rejection leaves the conversation
	// untouched.
	if err := o.gateway.AwaitCapacity(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil, o.failWithoutEvents(models.KindCancelled, "request cancelled", err)
		}
		return nil, &RunError{Kind: models.KindOverloaded, Message: "model capacity exhausted, try again shortly", cause: err}
	}

	// The conversation lock serializes runs; waiting requests get fair
	// turns until the lock deadline.
	lockCtx, lockCancel := context.WithTimeout(runCtx, o.cfg.LockTimeout())
	release, err := o.locks.acquire(lockCtx, req.ConversationID)
	lockCancel()
	if err != nil {
		if runCtx.Err() != nil {
			return nil, o.failWithoutEvents(models.KindCancelled, "request cancelled", err)
		}
		return nil, &RunError{Kind: models.KindBusy, Message: "conversation is busy", cause: ErrBusy}
	}
	defer release()

	conv, err := o.store.GetConversation(runCtx, req.ConversationID)
	if err != nil {
		return nil, &RunError{Kind: models.KindInvalidRequest, Message: "conversation not found", cause: err}
	}
	if req.OwnerID != "" && conv.OwnerID != req.OwnerID {
		return nil, &RunError{Kind: models.KindUnauthorized, Message: "not authorized for conversation", cause: nil}
	}

	run := &models.RequestRun{
		RunID:          runID,
		ConversationID: req.ConversationID,
		CreatedAt:      time.Now().UTC(),
	}
	r := &activeRun{
		orch:   o,
		req:    req,
		run:    run,
		conv:   conv,
		state:  StateReceived,
		logger: logger,
	}
	return r.execute(runCtx)
}

// failWithoutEvents builds a RunError for failures that happen before the
// run has any published presence.
func (o *Orchestrator) failWithoutEvents(kind models.ErrorKind, msg string, cause error) error {
	return &RunError{Kind: kind, Message: msg, cause: cause}
}

// budgetRemaining returns the owner's remaining monthly budget fraction, or
// -1 when no budget policy applies.
func (o *Orchestrator) budgetRemaining(ctx context.Context, ownerID string) float64 {
	if o.budget.MonthlyUSD <= 0 || o.costs == nil || ownerID == "" {
		return -1
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	spend, err := o.costs.CostForOwner(ctx, ownerID, monthStart)
	if err != nil {
		o.logger.Warn("failed to read owner spend, skipping budget policy", "error", err)
		return -1
	}

	remaining := 1 - spend.TotalCost/o.budget.MonthlyUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}
