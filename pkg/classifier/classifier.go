// Package classifier routes user queries to the specialist agent best suited
// to answer them.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// Fallback reasons recorded on a ClassificationDecision.
const (
	FallbackParseError    = "parse_error"
	FallbackLowConfidence = "low_confidence"
)

// maxContextMessages bounds the recent transcript included in the
// classification prompt.
const maxContextMessages = 6

// LLM is the completion surface the classifier needs. Satisfied by the
// gateway.
type LLM interface {
	Complete(ctx context.Context, tier models.Tier, messages []models.ChatMessage) (string, error)
}

// Classifier decides which specialist handles a query. Classification runs on
// the small tier; a single retry on the medium tier covers malformed output.
type Classifier struct {
	llm                 LLM
	confidenceThreshold float64
	logger              *slog.Logger
}

// NewClassifier creates a classifier with the given confidence threshold.
func NewClassifier(llm LLM, confidenceThreshold float64, logger *slog.Logger) *Classifier {
	return &Classifier{
		llm:                 llm,
		confidenceThreshold: confidenceThreshold,
		logger:              logger.With("component", "classifier"),
	}
}

// Request carries everything classification looks at.
type Request struct {
	Query string

	// RecentMessages is the tail of the conversation, oldest first.
	RecentMessages []models.ChatMessage

	// AgentHint is the specialist that produced the conversation's last
	// assistant message, if any.
	AgentHint models.AgentType

	// ForcedAgent short-circuits classification when the caller pinned a
	// specialist explicitly.
	ForcedAgent models.AgentType
}

// classifierOutput is the JSON shape the model is asked to produce.
type classifierOutput struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classify returns a routing decision. It never fails the request: when the
// model cannot be parsed even after a retry, the decision falls back to the
// conversation's agent hint or the default specialist.
func (c *Classifier) Classify(ctx context.Context, req Request) models.ClassificationDecision {
	if req.ForcedAgent != "" && req.ForcedAgent.Valid() {
		return models.ClassificationDecision{
			Agent:      req.ForcedAgent,
			Confidence: 1.0,
			Forced:     true,
		}
	}

	decision, err := c.classifyOnce(ctx, models.TierSmall, req)
	if err != nil {
		c.logger.Warn("classification failed on small tier, retrying", "error", err)
		decision, err = c.classifyOnce(ctx, models.TierMedium, req)
	}
	if err != nil {
		c.logger.Warn("classification failed after retry, falling back", "error", err)
		agent := models.DefaultAgent
		if req.AgentHint.Valid() {
			agent = req.AgentHint
		}
		return models.ClassificationDecision{
			Agent:        agent,
			Confidence:   0,
			FallbackFrom: FallbackParseError,
		}
	}

	// A timid answer on an established conversation defers to continuity.
	if decision.Confidence < c.confidenceThreshold &&
		req.AgentHint.Valid() && req.AgentHint != decision.Agent {
		c.logger.Debug("low confidence, preferring agent hint",
			"classified", decision.Agent, "hint", req.AgentHint,
			"confidence", decision.Confidence)
		return models.ClassificationDecision{
			Agent:        req.AgentHint,
			Confidence:   decision.Confidence,
			Reasoning:    decision.Reasoning,
			FallbackFrom: FallbackLowConfidence,
		}
	}

	return decision
}

func (c *Classifier) classifyOnce(ctx context.Context, tier models.Tier, req Request) (models.ClassificationDecision, error) {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: classificationPrompt()},
		{Role: models.RoleUser, Content: buildClassificationInput(req)},
	}

	raw, err := c.llm.Complete(ctx, tier, messages)
	if err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("classification call failed: %w", err)
	}

	out, err := parseOutput(raw)
	if err != nil {
		return models.ClassificationDecision{}, err
	}

	agent, err := models.ParseAgentType(strings.ToLower(strings.TrimSpace(out.Agent)))
	if err != nil {
		return models.ClassificationDecision{}, fmt.Errorf("classifier returned unknown agent: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return models.ClassificationDecision{}, fmt.Errorf("classifier confidence out of range: %v", out.Confidence)
	}

	return models.ClassificationDecision{
		Agent:      agent,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
	}, nil
}

// parseOutput extracts the JSON object from the model's reply, tolerating
// surrounding prose or code fences.
func parseOutput(raw string) (*classifierOutput, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var out classifierOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to parse classifier output: %w", err)
	}
	return &out, nil
}

func classificationPrompt() string {
	var b strings.Builder
	b.WriteString("You route aircraft maintenance queries to a specialist agent.\n")
	b.WriteString("Available agents:\n")
	for _, agent := range models.AllAgents() {
		b.WriteString("- ")
		b.WriteString(string(agent))
		b.WriteString(": ")
		b.WriteString(agentCapability(agent))
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with a single JSON object:\n")
	b.WriteString(`{"agent": "<agent>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`)
	return b.String()
}

func agentCapability(agent models.AgentType) string {
	switch agent {
	case models.AgentDocumentation:
		return "looks up manuals, service bulletins, airworthiness directives, part specifications"
	case models.AgentTroubleshooting:
		return "diagnoses faults, interprets error codes and symptoms, isolates root causes"
	case models.AgentMaintenance:
		return "walks through repair and inspection procedures, torque values, tooling, sign-off steps"
	default:
		return ""
	}
}

func buildClassificationInput(req Request) string {
	var b strings.Builder

	recent := req.RecentMessages
	if len(recent) > maxContextMessages {
		recent = recent[len(recent)-maxContextMessages:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, msg := range recent {
			b.WriteString(string(msg.Role))
			b.WriteString(": ")
			b.WriteString(truncate(msg.Content, 300))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Query: ")
	b.WriteString(req.Query)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
