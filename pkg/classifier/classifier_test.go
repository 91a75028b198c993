package classifier

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// fakeLLM returns scripted responses per call, tracking the tiers used.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     int
	tiers     []models.Tier
}

func (f *fakeLLM) Complete(_ context.Context, tier models.Tier, _ []models.ChatMessage) (string, error) {
	i := f.calls
	f.calls++
	f.tiers = append(f.tiers, tier)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	resp := ""
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

func newTestClassifier(llm LLM) *Classifier {
	return NewClassifier(llm, 0.55, slog.Default())
}

func TestClassifyForcedAgentSkipsLLM(t *testing.T) {
	llm := &fakeLLM{}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{
		Query:       "anything",
		ForcedAgent: models.AgentMaintenance,
	})

	assert.Equal(t, models.AgentMaintenance, decision.Agent)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.True(t, decision.Forced)
	assert.Zero(t, llm.calls, "forced classification must not call the LLM")
}

func TestClassifyHappyPath(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"agent": "troubleshooting", "confidence": 0.92, "reasoning": "fault isolation question"}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{
		Query: "The hydraulic system B shows low pressure on startup, what should I check?",
	})

	assert.Equal(t, models.AgentTroubleshooting, decision.Agent)
	assert.InDelta(t, 0.92, decision.Confidence, 1e-9)
	assert.Empty(t, decision.FallbackFrom)
	require.Len(t, llm.tiers, 1)
	assert.Equal(t, models.TierSmall, llm.tiers[0])
}

func TestClassifyTolerantOfProseAroundJSON(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"Sure, here is the routing:\n```json\n{\"agent\": \"documentation\", \"confidence\": 0.8, \"reasoning\": \"manual lookup\"}\n```",
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{Query: "Where is the AMM chapter for the APU?"})
	assert.Equal(t, models.AgentDocumentation, decision.Agent)
}

func TestClassifyRetriesOnMediumAfterParseFailure(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"I think this is about maintenance.",
		`{"agent": "maintenance", "confidence": 0.7, "reasoning": "procedure request"}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{Query: "How do I replace the brake assembly?"})

	assert.Equal(t, models.AgentMaintenance, decision.Agent)
	require.Len(t, llm.tiers, 2)
	assert.Equal(t, models.TierSmall, llm.tiers[0])
	assert.Equal(t, models.TierMedium, llm.tiers[1])
}

func TestClassifyFallsBackToHintAfterRepeatedFailure(t *testing.T) {
	llm := &fakeLLM{
		responses: []string{"", ""},
		errs:      []error{errors.New("upstream failed"), errors.New("upstream failed")},
	}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{
		Query:     "next step?",
		AgentHint: models.AgentTroubleshooting,
	})

	assert.Equal(t, models.AgentTroubleshooting, decision.Agent)
	assert.Zero(t, decision.Confidence)
	assert.Equal(t, FallbackParseError, decision.FallbackFrom)
}

func TestClassifyFallsBackToDefaultWithoutHint(t *testing.T) {
	llm := &fakeLLM{responses: []string{"not json", "still not json"}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{Query: "hello"})

	assert.Equal(t, models.DefaultAgent, decision.Agent)
	assert.Equal(t, FallbackParseError, decision.FallbackFrom)
}

func TestClassifyLowConfidencePrefersHint(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"agent": "documentation", "confidence": 0.4, "reasoning": "unsure"}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{
		Query:     "and then?",
		AgentHint: models.AgentMaintenance,
	})

	assert.Equal(t, models.AgentMaintenance, decision.Agent)
	assert.Equal(t, FallbackLowConfidence, decision.FallbackFrom)
	assert.InDelta(t, 0.4, decision.Confidence, 1e-9)
}

func TestClassifyLowConfidenceMatchingHintStands(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"agent": "maintenance", "confidence": 0.4, "reasoning": "continuation"}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{
		Query:     "and the torque value?",
		AgentHint: models.AgentMaintenance,
	})

	assert.Equal(t, models.AgentMaintenance, decision.Agent)
	assert.Empty(t, decision.FallbackFrom)
}

func TestClassifyRejectsUnknownAgent(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"agent": "avionics", "confidence": 0.9}`,
		`{"agent": "documentation", "confidence": 0.9}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{Query: "radio static on VHF 1"})

	assert.Equal(t, models.AgentDocumentation, decision.Agent)
	assert.Equal(t, 2, llm.calls)
}

func TestClassifyRejectsOutOfRangeConfidence(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"agent": "documentation", "confidence": 1.7}`,
		`{"agent": "documentation", "confidence": 0.9}`,
	}}
	c := newTestClassifier(llm)

	decision := c.Classify(context.Background(), Request{Query: "AD lookup"})

	assert.InDelta(t, 0.9, decision.Confidence, 1e-9)
}
