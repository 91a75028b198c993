// Package selector picks the LLM tier for a request and builds its fallback
// chain.
package selector

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/tokens"
)

// Complexity scoring constants. The score is a sum of independent signals
// clamped to [0, 1].
const (
	longQueryTokens  = 512
	longQueryWeight  = 0.3
	reasoningWeight  = 0.3
	agentWeight      = 0.2
	deepSessionTurns = 10
	deepWeight       = 0.2

	mediumFloor = 0.3
	largeFloor  = 0.7

	// downshiftOverride is the score above which a budget downshift is
	// skipped: a clearly hard query keeps its tier even on a tight budget.
	downshiftOverride = 0.85
)

// reasoningMarkers matches phrasing that signals multi-step reasoning.
var reasoningMarkers = regexp.MustCompile(
	`(?i)\b(explain|compare|why|how does|walk (me )?through|step[- ]by[- ]step|diagnose|root cause|trade[- ]?offs?|analy[sz]e)\b`)

// FailureRates reports the rolling per-tier failure rate. Satisfied by the
// ledger tracker.
type FailureRates interface {
	FailureRate(tier models.Tier) float64
}

// Selector maps a classified request to a tier and fallback chain.
type Selector struct {
	tiers      *config.TiersConfig
	cfg        *config.SelectorConfig
	budget     *config.BudgetConfig
	accountant *tokens.Accountant
	rates      FailureRates
	logger     *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(tiers *config.TiersConfig, cfg *config.SelectorConfig, budget *config.BudgetConfig,
	accountant *tokens.Accountant, rates FailureRates, logger *slog.Logger) *Selector {
	return &Selector{
		tiers:      tiers,
		cfg:        cfg,
		budget:     budget,
		accountant: accountant,
		rates:      rates,
		logger:     logger.With("component", "selector"),
	}
}

// Request carries the selection inputs.
type Request struct {
	Query          string
	Agent          models.AgentType
	AssistantTurns int

	// BudgetRemaining is the tenant's remaining budget fraction in [0, 1].
	// Negative means no budget policy applies.
	BudgetRemaining float64
}

// Select scores the request, picks a tier, applies the budget policy, and
// builds the fallback chain with currently failing tiers skipped.
func (s *Selector) Select(req Request) models.ModelDecision {
	score, signals := s.complexityScore(req)

	tier := models.TierSmall
	switch {
	case score >= largeFloor:
		tier = models.TierLarge
	case score >= mediumFloor:
		tier = models.TierMedium
	}

	reason := strings.Join(signals, ",")
	if reason == "" {
		reason = "simple"
	}

	if req.BudgetRemaining >= 0 && req.BudgetRemaining < s.budget.DownshiftThreshold && score < downshiftOverride {
		if smaller := tier.NextSmaller(); smaller != "" {
			tier = smaller
			reason += ",budget_downshift"
		}
	}

	chain := s.buildChain(tier)
	primary := chain[0]

	queryTokens := s.accountant.Count(req.Query, s.tiers.Get(primary).Name)
	estimated := s.accountant.EstimateCost(queryTokens, s.tiers.Get(primary).ContextTokens/8, primary)

	s.logger.Debug("tier selected",
		"tier", primary, "chain", chain, "score", score, "reason", reason)

	return models.ModelDecision{
		PrimaryTier:   primary,
		Chain:         chain,
		Reason:        reason,
		EstimatedCost: estimated,
	}
}

func (s *Selector) complexityScore(req Request) (float64, []string) {
	score := 0.0
	var signals []string

	modelName := s.tiers.Small.Name
	if s.accountant.Count(req.Query, modelName) > longQueryTokens {
		score += longQueryWeight
		signals = append(signals, "long_query")
	}
	if reasoningMarkers.MatchString(req.Query) {
		score += reasoningWeight
		signals = append(signals, "reasoning_markers")
	}
	if req.Agent == models.AgentTroubleshooting || req.Agent == models.AgentMaintenance {
		score += agentWeight
		signals = append(signals, "technical_agent")
	}
	if req.AssistantTurns > deepSessionTurns {
		score += deepWeight
		signals = append(signals, "deep_session")
	}

	if score > 1 {
		score = 1
	}
	return score, signals
}

// buildChain returns [chosen, next smaller, small] deduped, with tiers whose
// rolling failure rate exceeds the threshold skipped. A chain is never empty:
// when every candidate is failing, the chosen tier is kept alone so the
// request still gets one shot.
func (s *Selector) buildChain(chosen models.Tier) []models.Tier {
	candidates := []models.Tier{chosen}
	if smaller := chosen.NextSmaller(); smaller != "" {
		candidates = append(candidates, smaller)
	}
	if candidates[len(candidates)-1] != models.TierSmall {
		candidates = append(candidates, models.TierSmall)
	}

	var chain []models.Tier
	for _, tier := range candidates {
		if rate := s.rates.FailureRate(tier); rate > s.cfg.FailureThreshold {
			s.logger.Warn("skipping failing tier", "tier", tier, "failure_rate", rate)
			continue
		}
		chain = append(chain, tier)
	}
	if len(chain) == 0 {
		chain = []models.Tier{chosen}
	}
	return chain
}
