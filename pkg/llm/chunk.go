// Package llm is the gateway to the LLM provider: admission control, retry
// with backoff, tier fallback, and streaming.
package llm

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is a chunk of the model's text response.
type TextChunk struct{ Content string }

// UsageChunk reports token consumption for the call. Sent once, at the end of
// a successful stream.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider failure mid-stream. The channel is closed
// after it.
type ErrorChunk struct{ Err *ProviderError }

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *UsageChunk) chunkType() ChunkType { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }
