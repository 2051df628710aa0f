package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kestrel-voice/kestrel/internal/logger"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicBackend implements Backend using the official Anthropic SDK
// with streaming responses. Conversation history is kept per session so
// multi-turn context survives across prompts.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *logger.Logger

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam // session id -> conversation
}

// NewAnthropicBackend creates a streaming Anthropic backend. The API key
// is read from apiKeyEnvVar (default ANTHROPIC_API_KEY).
func NewAnthropicBackend(model, apiKeyEnvVar string, maxTokens int, log *logger.Logger) (*AnthropicBackend, error) {
	if apiKeyEnvVar == "" {
		apiKeyEnvVar = "ANTHROPIC_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(apiKeyEnvVar))
	if key == "" {
		return nil, fmt.Errorf("anthropic backend requires an API key in $%s", apiKeyEnvVar)
	}

	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	if log == nil {
		log = logger.Global()
	}

	return &AnthropicBackend{
		client:    anthropic.NewClient(option.WithAPIKey(key)),
		model:     model,
		maxTokens: int64(maxTokens),
		log:       log.WithPrefix("agent"),
		history:   make(map[string][]anthropic.MessageParam),
	}, nil
}

// Send starts a new turn. Chunks arrive on the returned channel until the
// model finishes; the channel then closes. Backend failures never surface
// as an error mid-turn: they arrive as a final chunk with error metadata.
func (b *AnthropicBackend) Send(ctx context.Context, sessionID, prompt string) (<-chan Chunk, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}

	b.mu.Lock()
	b.history[sessionID] = append(b.history[sessionID], anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	messages := append([]anthropic.MessageParam(nil), b.history[sessionID]...)
	b.mu.Unlock()

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(b.model),
			MaxTokens: b.maxTokens,
			Messages:  messages,
		}

		stream := b.client.Messages.NewStreaming(ctx, params)
		if stream == nil {
			b.log.Error("Anthropic stream for session %s returned nil", sessionID)
			out <- Chunk{Kind: ChunkText, Meta: map[string]interface{}{"error": "no stream returned"}}
			return
		}
		defer stream.Close()

		var message anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				b.log.Warn("Failed to accumulate stream event: %v", err)
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case out <- Chunk{Kind: ChunkText, Content: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					select {
					case out <- Chunk{Kind: ChunkToolCall, ToolName: block.Name, Content: string(block.Input)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			b.log.Error("Anthropic stream for session %s failed: %v", sessionID, err)
			select {
			case out <- Chunk{Kind: ChunkText, Meta: map[string]interface{}{"error": err.Error()}}:
			case <-ctx.Done():
			}
			return
		}

		// Record the assistant turn so the next prompt keeps context
		b.mu.Lock()
		b.history[sessionID] = append(b.history[sessionID], message.ToParam())
		b.mu.Unlock()
	}()

	return out, nil
}

// EndSession drops the conversation history for a session.
func (b *AnthropicBackend) EndSession(sessionID string) {
	b.mu.Lock()
	delete(b.history, sessionID)
	b.mu.Unlock()
}
