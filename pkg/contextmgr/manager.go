// Package contextmgr assembles the context window submitted to the LLM:
// system preamble, summarized history, and as many recent messages as fit
// the tier's token budget.
package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/tokens"
)

// ErrQueryTooLong means the query plus the system preamble alone exceed the
// tier's budget. Not retriable on the same tier.
var ErrQueryTooLong = errors.New("query too long for model window")

// WarnHistoryTruncated is set on the result when summarization failed and
// older history was silently dropped instead.
const WarnHistoryTruncated = "history truncated: summarization unavailable"

// LLM is the completion surface used for summarization. Satisfied by the
// gateway.
type LLM interface {
	Complete(ctx context.Context, tier models.Tier, messages []models.ChatMessage) (string, error)
}

// SummaryCache persists the rolling summary on the conversation row.
// Satisfied by ConversationService.
type SummaryCache interface {
	UpdateSummaryCache(ctx context.Context, conversationID, content string, uptoSeq int64) error
}

// Manager builds context windows.
type Manager struct {
	cfg        *config.ContextConfig
	tiers      *config.TiersConfig
	accountant *tokens.Accountant
	llm        LLM
	cache      SummaryCache
	logger     *slog.Logger
}

// NewManager creates a context manager.
func NewManager(cfg *config.ContextConfig, tiers *config.TiersConfig, accountant *tokens.Accountant,
	llm LLM, cache SummaryCache, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		tiers:      tiers,
		accountant: accountant,
		llm:        llm,
		cache:      cache,
		logger:     logger.With("component", "contextmgr"),
	}
}

// Request carries the inputs for one window build.
type Request struct {
	Conversation *models.Conversation

	// Messages is the full committed transcript in seq order, ending with
	// the user query being answered.
	Messages []*models.Message

	Agent models.AgentType
	Tier  models.Tier
}

// Window is an assembled context window.
type Window struct {
	Messages []models.ChatMessage

	// Warning is non-empty when the window silently lost history.
	Warning string

	// TokenCount is the window's size including framing overhead.
	TokenCount int
}

// Build assembles the window for a request: system preamble first, then the
// included messages in seq order, the query last. History that does not fit
// is summarized into the preamble when long enough, otherwise dropped.
func (m *Manager) Build(ctx context.Context, req Request) (*Window, error) {
	tc := m.tiers.Get(req.Tier)
	if tc == nil {
		return nil, fmt.Errorf("unknown tier %q", req.Tier)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}

	budget := tc.ContextTokens - m.cfg.ReserveTokens
	modelName := tc.Name

	query := req.Messages[len(req.Messages)-1]
	if query.Role != models.RoleUser {
		return nil, fmt.Errorf("transcript must end with the user query")
	}
	history := req.Messages[:len(req.Messages)-1]

	preamble := models.ChatMessage{Role: models.RoleSystem, Content: agentPrompt(req.Agent)}
	queryMsg := models.ChatMessage{Role: models.RoleUser, Content: query.Content}

	fixed := m.accountant.CountMessage(preamble, modelName) + m.accountant.CountMessage(queryMsg, modelName)
	if fixed > budget {
		return nil, ErrQueryTooLong
	}

	// Greedy newest-first fit of prior messages into what remains.
	included, excluded := m.fit(history, budget-fixed, modelName)

	warning := ""
	if len(excluded) > m.cfg.SummarizeAfterMessages {
		summary, err := m.summarize(ctx, req.Conversation, excluded)
		if err != nil {
			m.logger.Warn("summarization failed, truncating history",
				"conversation_id", req.Conversation.ID, "excluded", len(excluded), "error", err)
			warning = WarnHistoryTruncated
		} else if summary != "" {
			preamble.Content += "\n\nSummary of the earlier conversation:\n" + summary

			// The enlarged preamble may no longer leave room for every
			// included message; refit against the new fixed cost.
			fixed = m.accountant.CountMessage(preamble, modelName) + m.accountant.CountMessage(queryMsg, modelName)
			if fixed <= budget {
				included, _ = m.fit(history[len(excluded):], budget-fixed, modelName)
			} else {
				// Pathological summary size. Drop it rather than the query.
				preamble.Content = agentPrompt(req.Agent)
				fixed = m.accountant.CountMessage(preamble, modelName) + m.accountant.CountMessage(queryMsg, modelName)
				warning = WarnHistoryTruncated
			}
		}
	} else if len(excluded) > 0 {
		// A short excluded prefix is dropped without a summary pass.
		m.logger.Debug("dropping short excluded prefix",
			"conversation_id", req.Conversation.ID, "excluded", len(excluded))
	}

	window := make([]models.ChatMessage, 0, len(included)+2)
	window = append(window, preamble)
	for _, msg := range included {
		window = append(window, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	window = append(window, queryMsg)

	return &Window{
		Messages:   window,
		Warning:    warning,
		TokenCount: m.accountant.CountMessages(window, modelName),
	}, nil
}

// fit walks history newest-first, including messages while they fit the
// remaining budget. Returns the included suffix in seq order and the
// excluded prefix.
func (m *Manager) fit(history []*models.Message, remaining int, modelName string) (included, excluded []*models.Message) {
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		msg := models.ChatMessage{Role: history[i].Role, Content: history[i].Content}
		cost := m.accountant.CountMessage(msg, modelName)
		if cost > remaining {
			break
		}
		remaining -= cost
		cut = i
	}
	return history[cut:], history[:cut]
}

// summarize returns a summary of the excluded prefix, reusing the cached one
// when it covers exactly the same prefix. Fresh summaries are cached
// best-effort.
func (m *Manager) summarize(ctx context.Context, conv *models.Conversation, excluded []*models.Message) (string, error) {
	uptoSeq := excluded[len(excluded)-1].Seq
	if conv.SummaryContent != "" && conv.SummaryUptoSeq == uptoSeq {
		return conv.SummaryContent, nil
	}

	transcript := m.renderForSummary(excluded)
	summary, err := m.llm.Complete(ctx, models.TierSmall, []models.ChatMessage{
		{Role: models.RoleSystem, Content: summaryPrompt},
		{Role: models.RoleUser, Content: transcript},
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}

	if err := m.cache.UpdateSummaryCache(ctx, conv.ID, summary, uptoSeq); err != nil {
		m.logger.Warn("failed to cache summary", "conversation_id", conv.ID, "error", err)
	}
	conv.SummaryContent = summary
	conv.SummaryUptoSeq = uptoSeq
	return summary, nil
}

// renderForSummary flattens the excluded prefix into text that fits the
// small tier, trimming the oldest messages when necessary.
func (m *Manager) renderForSummary(excluded []*models.Message) string {
	small := m.tiers.Get(models.TierSmall)
	budget := small.ContextTokens - m.cfg.ReserveTokens

	start := 0
	for start < len(excluded) {
		if m.transcriptTokens(excluded[start:], small.Name) <= budget {
			break
		}
		start++
	}

	var b strings.Builder
	for _, msg := range excluded[start:] {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Manager) transcriptTokens(msgs []*models.Message, modelName string) int {
	total := 0
	for _, msg := range msgs {
		total += m.accountant.Count(msg.Content, modelName) + m.cfg.FramingTokensPerMessage
	}
	return total
}
