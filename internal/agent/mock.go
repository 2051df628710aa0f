package agent

import (
	"context"
	"sync"
	"time"
)

// MockBackend is a scripted Backend for tests. Each Send replays the
// configured chunks with an optional delay between them.
type MockBackend struct {
	// Chunks returned for every turn when ScriptFunc is unset.
	Chunks []Chunk
	// Delay between chunks (zero means back to back).
	Delay time.Duration
	// ScriptFunc, when set, decides the chunks per prompt.
	ScriptFunc func(sessionID, prompt string) []Chunk

	mu      sync.Mutex
	prompts []string
	ended   []string
}

func (m *MockBackend) Send(ctx context.Context, sessionID, prompt string) (<-chan Chunk, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	chunks := m.Chunks
	if m.ScriptFunc != nil {
		chunks = m.ScriptFunc(sessionID, prompt)
	}

	out := make(chan Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, ch := range chunks {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MockBackend) EndSession(sessionID string) {
	m.mu.Lock()
	m.ended = append(m.ended, sessionID)
	m.mu.Unlock()
}

// Prompts returns every prompt received so far.
func (m *MockBackend) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// EndedSessions returns every session id passed to EndSession.
func (m *MockBackend) EndedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ended...)
}
