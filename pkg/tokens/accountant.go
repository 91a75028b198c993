// Package tokens provides deterministic token counting and cost estimation.
//
// Counting uses tiktoken BPE encodings per model family with a cl100k_base
// fallback. Counts are deterministic: identical inputs yield identical
// results. The per-message framing overhead is configurable so window
// budgeting stays conservative across providers.
package tokens

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
)

var (
	// Cache encodings to avoid repeated initialization; tiktoken setup is
	// expensive relative to encoding.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Accountant counts tokens and estimates cost against the tier rate table.
type Accountant struct {
	tiers             *config.TiersConfig
	framingPerMessage int
}

// NewAccountant creates an accountant with the given tier rate table and
// per-message framing overhead.
func NewAccountant(tiers *config.TiersConfig, framingPerMessage int) *Accountant {
	return &Accountant{
		tiers:             tiers,
		framingPerMessage: framingPerMessage,
	}
}

// Count returns the token count of text for the given model family.
func (a *Accountant) Count(text, modelFamily string) int {
	enc, err := encodingFor(modelFamily)
	if err != nil {
		// No usable encoding at all. Overestimate so windowing stays safe.
		return (len(text) + 2) / 3
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the token count of a message list including the
// per-message framing overhead and the reply priming.
func (a *Accountant) CountMessages(messages []models.ChatMessage, modelFamily string) int {
	total := 0
	for _, msg := range messages {
		total += a.framingPerMessage
		total += a.Count(string(msg.Role), modelFamily)
		total += a.Count(msg.Content, modelFamily)
	}
	// Every reply is primed with an assistant header.
	total += a.framingPerMessage
	return total
}

// CountMessage returns the token count of a single framed message.
func (a *Accountant) CountMessage(msg models.ChatMessage, modelFamily string) int {
	return a.framingPerMessage + a.Count(string(msg.Role), modelFamily) + a.Count(msg.Content, modelFamily)
}

// EstimateCost returns the USD cost of a call at the tier's configured rates,
// rounded to the nearest micro-dollar.
func (a *Accountant) EstimateCost(tokensIn, tokensOut int, tier models.Tier) float64 {
	tc := a.tiers.Get(tier)
	if tc == nil {
		return 0
	}
	cost := float64(tokensIn)/1000*tc.RatePer1kIn + float64(tokensOut)/1000*tc.RatePer1kOut
	return math.Round(cost*1e6) / 1e6
}

// encodingFor returns a cached tiktoken encoding for a model family.
func encodingFor(modelFamily string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[modelFamily]
	cacheMu.RUnlock()
	if exists {
		return cached, nil
	}

	enc, err := tiktoken.EncodingForModel(modelFamily)
	if err != nil {
		// Unknown family: cl100k_base approximates well enough and keeps
		// counts monotone with respect to content length.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[modelFamily] = enc
	cacheMu.Unlock()
	return enc, nil
}
