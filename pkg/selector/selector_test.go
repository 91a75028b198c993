package selector

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/tokens"
)

type fakeRates map[models.Tier]float64

func (f fakeRates) FailureRate(tier models.Tier) float64 { return f[tier] }

func newTestSelector(rates FailureRates) *Selector {
	tiers := &config.TiersConfig{
		Small:  config.TierConfig{Name: "gpt-4o-mini", ContextTokens: 16384, RatePer1kIn: 0.00015, RatePer1kOut: 0.0006},
		Medium: config.TierConfig{Name: "gpt-4o", ContextTokens: 65536, RatePer1kIn: 0.0025, RatePer1kOut: 0.01},
		Large:  config.TierConfig{Name: "gpt-4.1", ContextTokens: 131072, RatePer1kIn: 0.01, RatePer1kOut: 0.03},
	}
	return NewSelector(
		tiers,
		&config.SelectorConfig{FailureThreshold: 0.5, WindowSize: 50},
		&config.BudgetConfig{DownshiftThreshold: 0.1},
		tokens.NewAccountant(tiers, 4),
		rates,
		slog.Default(),
	)
}

func TestSelectSimpleQueryGetsSmall(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "What is the tire pressure for a 737-800 nose wheel?",
		Agent:           models.AgentDocumentation,
		BudgetRemaining: -1,
	})

	assert.Equal(t, models.TierSmall, decision.PrimaryTier)
	assert.Equal(t, []models.Tier{models.TierSmall}, decision.Chain)
	assert.Equal(t, "simple", decision.Reason)
}

func TestSelectTechnicalAgentWithReasoningGetsMedium(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Explain why the bleed air valve fails intermittently in cold weather",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	assert.Equal(t, models.TierMedium, decision.PrimaryTier)
	assert.Equal(t, []models.Tier{models.TierMedium, models.TierSmall}, decision.Chain)
	assert.Contains(t, decision.Reason, "reasoning_markers")
	assert.Contains(t, decision.Reason, "technical_agent")
}

func TestSelectAllSignalsGetsLarge(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Compare the two failure modes and walk me through the diagnosis " + strings.Repeat("with full system detail ", 150),
		Agent:           models.AgentMaintenance,
		AssistantTurns:  12,
		BudgetRemaining: -1,
	})

	assert.Equal(t, models.TierLarge, decision.PrimaryTier)
	assert.Equal(t, []models.Tier{models.TierLarge, models.TierMedium, models.TierSmall}, decision.Chain)
}

func TestSelectBudgetDownshift(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Explain the likely root cause of this hydraulic pressure drop",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: 0.05,
	})

	assert.Equal(t, models.TierSmall, decision.PrimaryTier)
	assert.Contains(t, decision.Reason, "budget_downshift")
}

func TestSelectBudgetDownshiftSkippedForHardQueries(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Compare and explain step by step " + strings.Repeat("every subsystem interaction in detail ", 150),
		Agent:           models.AgentTroubleshooting,
		AssistantTurns:  15,
		BudgetRemaining: 0.05,
	})

	// Score 1.0 clears the override floor, no downshift.
	assert.Equal(t, models.TierLarge, decision.PrimaryTier)
	assert.NotContains(t, decision.Reason, "budget_downshift")
}

func TestSelectBudgetDownshiftNoopOnSmall(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "What is the recommended torque for the access panel screws?",
		Agent:           models.AgentDocumentation,
		BudgetRemaining: 0.05,
	})

	// Already on the cheapest tier: nothing to shift down to, and the
	// decision reason must not claim otherwise.
	assert.Equal(t, models.TierSmall, decision.PrimaryTier)
	assert.Equal(t, []models.Tier{models.TierSmall}, decision.Chain)
	assert.NotContains(t, decision.Reason, "budget_downshift")
}

func TestSelectNoBudgetPolicy(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Explain the fault tree",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	assert.Equal(t, models.TierMedium, decision.PrimaryTier)
}

func TestSelectSkipsFailingTier(t *testing.T) {
	s := newTestSelector(fakeRates{models.TierMedium: 0.8})

	decision := s.Select(Request{
		Query:           "Explain why the APU shuts down at altitude",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	// Medium is failing: the chain starts at the next healthy tier.
	assert.Equal(t, models.TierSmall, decision.PrimaryTier)
	assert.Equal(t, []models.Tier{models.TierSmall}, decision.Chain)
}

func TestSelectAllTiersFailingKeepsChosen(t *testing.T) {
	s := newTestSelector(fakeRates{
		models.TierSmall:  0.9,
		models.TierMedium: 0.9,
		models.TierLarge:  0.9,
	})

	decision := s.Select(Request{
		Query:           "Explain the fuel imbalance",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	assert.Equal(t, []models.Tier{models.TierMedium}, decision.Chain)
}

func TestSelectFailureRateAtThresholdKept(t *testing.T) {
	s := newTestSelector(fakeRates{models.TierMedium: 0.5})

	decision := s.Select(Request{
		Query:           "Explain the brake wear pattern",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	assert.Equal(t, models.TierMedium, decision.PrimaryTier)
}

func TestSelectEstimatedCostPositive(t *testing.T) {
	s := newTestSelector(fakeRates{})

	decision := s.Select(Request{
		Query:           "Explain the landing gear retraction sequence",
		Agent:           models.AgentTroubleshooting,
		BudgetRemaining: -1,
	})

	assert.Positive(t, decision.EstimatedCost)
}
