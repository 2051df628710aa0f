// Package agent defines the boundary to the external Agent Backend: the
// component that accepts a text prompt for a session and emits a stream
// of response chunks, possibly invoking named tools along the way. The
// engine treats it as opaque; tool execution happens inside the backend.
package agent

import "context"

// ChunkKind distinguishes the flavors of backend output.
type ChunkKind string

const (
	// ChunkText is a fragment of the agent's streamed response text.
	ChunkText ChunkKind = "text"
	// ChunkToolCall reports that the backend invoked a named tool.
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkToolResult reports the outcome of a tool invocation.
	ChunkToolResult ChunkKind = "tool_result"
)

// Chunk is one item of a backend output stream.
type Chunk struct {
	Kind     ChunkKind
	Content  string
	ToolName string
	Meta     map[string]interface{}
}

// Backend is the Agent Backend contract. Send starts a new turn for the
// session and returns a channel that yields output chunks until the
// backend finishes, then closes. There is no explicit end-of-turn marker
// beyond channel close; the caller's debounce handles turn boundaries.
// Errors mid-stream surface as a final ChunkText with error metadata so
// the conversation survives backend failures.
type Backend interface {
	Send(ctx context.Context, sessionID, prompt string) (<-chan Chunk, error)

	// EndSession discards any per-session conversation state.
	EndSession(sessionID string)
}
