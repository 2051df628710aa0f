package stream

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-voice/kestrel/internal/agent"
	"github.com/kestrel-voice/kestrel/internal/narrate"
	"github.com/kestrel-voice/kestrel/internal/registry"
	"github.com/kestrel-voice/kestrel/internal/transcript"
	"github.com/kestrel-voice/kestrel/internal/vcs"
	"github.com/kestrel-voice/kestrel/internal/workspace"
)

// fakeSink records delivered frames in memory.
type fakeSink struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (f *fakeSink) enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return true
}

func (f *fakeSink) closeWith(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeSink) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = string(fr)
	}
	return out
}

func (f *fakeSink) ClosedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// summaryCount counts summary records among the sink's frames.
func (f *fakeSink) summaryCount() int {
	n := 0
	for _, fr := range f.Frames() {
		if strings.HasPrefix(fr, "{") {
			var rec Record
			if json.Unmarshal([]byte(fr), &rec) == nil && rec.Type == TypeSummary {
				n++
			}
		}
	}
	return n
}

func newTestMux(t *testing.T, backend agent.Backend, debounce time.Duration) (*Multiplexer, *registry.Registry, registry.Session) {
	t.Helper()
	store, err := workspace.NewStore(t.TempDir(), &vcs.MockVCS{}, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(store.BranchPath("demo", "main"), 0755))

	reg := registry.New(store, nil)
	sess, err := reg.CreateForBranch("demo", "main")
	require.NoError(t, err)

	narrator := narrate.NewNarrator("", time.Second, 0, nil)
	mux := NewMultiplexer(reg, backend, narrator, debounce, 30*time.Second, nil)
	t.Cleanup(mux.Shutdown)
	return mux, reg, sess
}

func eventTypes(t *testing.T, reg *registry.Registry, id string) []string {
	t.Helper()
	tlog, err := reg.Transcript(id)
	require.NoError(t, err)
	events, err := tlog.ReadAll()
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestChunksLoggedForwardedAndSummarized(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "Hello "},
		{Kind: agent.ChunkText, Content: "world."},
	}}
	mux, reg, sess := newTestMux(t, backend, 50*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))
	require.NoError(t, mux.Send(sess.ID, "greet me", ""))

	assert.Eventually(t, func() bool { return sink.summaryCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	frames := sink.Frames()
	assert.Contains(t, frames, RawPrefix+"Hello ")
	assert.Contains(t, frames, RawPrefix+"world.")

	types := eventTypes(t, reg, sess.ID)
	assert.Equal(t, []string{
		transcript.EventUserIntent,
		transcript.EventAgentStream,
		transcript.EventAgentStream,
		transcript.EventSummary,
	}, types)

	// The narration fallback cleans the accumulated turn text.
	var summary Record
	last := frames[len(frames)-1]
	require.NoError(t, json.Unmarshal([]byte(last), &summary))
	assert.Equal(t, TypeSummary, summary.Type)
	assert.Equal(t, "Hello world.", summary.Content)
}

func TestOutputLoggedWithoutClient(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "working alone"},
	}}
	mux, reg, sess := newTestMux(t, backend, 30*time.Millisecond)

	require.NoError(t, mux.Send(sess.ID, "go", ""))

	assert.Eventually(t, func() bool {
		types := eventTypes(t, reg, sess.ID)
		return len(types) > 0 && types[len(types)-1] == transcript.EventSummary
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		transcript.EventUserIntent,
		transcript.EventAgentStream,
		transcript.EventSummary,
	}, eventTypes(t, reg, sess.ID))
}

func TestReplayBeforeLive(t *testing.T) {
	backend := &agent.MockBackend{
		Delay: 20 * time.Millisecond,
		Chunks: []agent.Chunk{
			{Kind: agent.ChunkText, Content: "one "},
			{Kind: agent.ChunkText, Content: "two "},
			{Kind: agent.ChunkText, Content: "three "},
			{Kind: agent.ChunkText, Content: "four "},
			{Kind: agent.ChunkText, Content: "five "},
		},
	}
	mux, _, sess := newTestMux(t, backend, 60*time.Millisecond)

	require.NoError(t, mux.Send(sess.ID, "count", ""))
	time.Sleep(50 * time.Millisecond)

	// Reconnect mid-turn: full history first, then live chunks.
	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))

	assert.Eventually(t, func() bool { return sink.summaryCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	frames := sink.Frames()
	sawRaw := false
	var replayed, live strings.Builder
	for _, fr := range frames {
		if strings.HasPrefix(fr, "{") {
			var rec Record
			require.NoError(t, json.Unmarshal([]byte(fr), &rec))
			if rec.Type == TypeAssistant {
				require.False(t, sawRaw, "replay record after live frame")
				replayed.WriteString(rec.Content)
			}
			continue
		}
		require.True(t, strings.HasPrefix(fr, RawPrefix))
		sawRaw = true
		live.WriteString(strings.TrimPrefix(fr, RawPrefix))
	}

	assert.NotEmpty(t, replayed.String(), "expected replayed history before live stream")
	assert.Equal(t, "one two three four five ", replayed.String()+live.String())
}

// cappedSink accepts only capacity frames, then refuses while staying
// open, like a connection whose send buffer filled during replay.
type cappedSink struct {
	fakeSink
	capacity int
}

func (c *cappedSink) enqueue(frame []byte) bool {
	c.mu.Lock()
	full := len(c.frames) >= c.capacity
	c.mu.Unlock()
	if full {
		return false
	}
	return c.fakeSink.enqueue(frame)
}

func TestReplayOverflowClosesInsteadOfResuming(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "fresh output"},
	}}
	mux, reg, sess := newTestMux(t, backend, 40*time.Millisecond)

	tlog, err := reg.Transcript(sess.ID)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tlog.Append(transcript.Event{Type: transcript.EventAgentStream, Source: "agent", Content: "old"}))
	}

	sink := &cappedSink{capacity: 3}
	require.NoError(t, mux.Attach(sess.ID, sink))

	// Gapped history must end in a transient close, never in live
	// output on top of the gap.
	assert.Eventually(t, func() bool {
		closed, _ := sink.ClosedWith()
		return closed
	}, time.Second, 10*time.Millisecond)
	_, code := sink.ClosedWith()
	assert.NotEqual(t, CloseSessionGone, code, "overflow is transient; the client should reconnect")

	require.NoError(t, mux.Send(sess.ID, "go", ""))
	time.Sleep(150 * time.Millisecond)
	for _, fr := range sink.Frames() {
		assert.False(t, strings.HasPrefix(fr, RawPrefix), "live chunk delivered over a gapped history: %q", fr)
	}

	// A sink that can absorb the history attaches normally and sees
	// all of it before anything live.
	healthy := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, healthy))
	assert.Eventually(t, func() bool { return len(healthy.Frames()) >= 10 }, time.Second, 10*time.Millisecond)
}

func TestLastAttacherWins(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "later"},
	}}
	mux, reg, sess := newTestMux(t, backend, 40*time.Millisecond)

	first := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, first))

	second := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, second))

	assert.Eventually(t, func() bool {
		closed, _ := first.ClosedWith()
		return closed
	}, time.Second, 10*time.Millisecond)
	closed, code := first.ClosedWith()
	require.True(t, closed)
	assert.NotEqual(t, CloseSessionGone, code, "replacement close must look transient")

	require.NoError(t, mux.Send(sess.ID, "hi", ""))
	assert.Eventually(t, func() bool { return second.summaryCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, second.Frames(), RawPrefix+"later")
	assert.NotContains(t, first.Frames(), RawPrefix+"later")

	got, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateAttached, got.State)
}

func TestDebounceSpansPauses(t *testing.T) {
	// Gaps between chunks stay below the quiet period, so the whole
	// response is one turn with one summary.
	backend := &agent.MockBackend{
		Delay: 30 * time.Millisecond,
		Chunks: []agent.Chunk{
			{Kind: agent.ChunkText, Content: "a"},
			{Kind: agent.ChunkText, Content: "b"},
			{Kind: agent.ChunkText, Content: "c"},
		},
	}
	mux, reg, sess := newTestMux(t, backend, 100*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))
	require.NoError(t, mux.Send(sess.ID, "spell", ""))

	assert.Eventually(t, func() bool { return sink.summaryCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, sink.summaryCount())

	summaries := 0
	for _, typ := range eventTypes(t, reg, sess.ID) {
		if typ == transcript.EventSummary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
}

func TestSTTSourceRecordsRawEvent(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "ok"},
	}}
	mux, reg, sess := newTestMux(t, backend, 30*time.Millisecond)

	require.NoError(t, mux.Send(sess.ID, "fix the tests", "stt"))

	assert.Eventually(t, func() bool {
		types := eventTypes(t, reg, sess.ID)
		return len(types) > 0 && types[len(types)-1] == transcript.EventSummary
	}, 2*time.Second, 10*time.Millisecond)

	types := eventTypes(t, reg, sess.ID)
	assert.Equal(t, transcript.EventSTTRaw, types[0])
	assert.Equal(t, transcript.EventUserIntent, types[1])
}

func TestToolChunksBecomeDetailRecords(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkToolCall, ToolName: "read_file"},
		{Kind: agent.ChunkToolResult, Content: "42 lines"},
		{Kind: agent.ChunkText, Content: "done"},
	}}
	mux, reg, sess := newTestMux(t, backend, 40*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))
	require.NoError(t, mux.Send(sess.ID, "inspect", ""))

	assert.Eventually(t, func() bool { return sink.summaryCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	types := eventTypes(t, reg, sess.ID)
	assert.Contains(t, types, transcript.EventToolCall)
	assert.Contains(t, types, transcript.EventToolResult)

	var detail []Record
	for _, fr := range sink.Frames() {
		if strings.HasPrefix(fr, "{") {
			var rec Record
			require.NoError(t, json.Unmarshal([]byte(fr), &rec))
			if rec.Type == TypeDetail {
				detail = append(detail, rec)
			}
		}
	}
	require.Len(t, detail, 2)
	assert.Equal(t, "read_file", detail[0].Content)
	assert.Equal(t, "42 lines", detail[1].Content)

	// Tool output stays out of the narration buffer.
	var summary Record
	frames := sink.Frames()
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &summary))
	assert.Equal(t, "done", summary.Content)
}

// hangingBackend records each turn's context and never finishes a
// stream on its own.
type hangingBackend struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (h *hangingBackend) Send(ctx context.Context, sessionID, prompt string) (<-chan agent.Chunk, error) {
	h.mu.Lock()
	h.ctxs = append(h.ctxs, ctx)
	h.mu.Unlock()
	out := make(chan agent.Chunk)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (h *hangingBackend) EndSession(string) {}

func (h *hangingBackend) contexts() []context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]context.Context(nil), h.ctxs...)
}

func TestNewPromptCancelsPreviousTurn(t *testing.T) {
	backend := &hangingBackend{}
	store, err := workspace.NewStore(t.TempDir(), &vcs.MockVCS{}, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(store.BranchPath("demo", "main"), 0755))
	reg := registry.New(store, nil)
	sess, err := reg.CreateForBranch("demo", "main")
	require.NoError(t, err)

	// No per-turn deadline: superseding the turn is the only thing
	// that may stop its stream.
	narrator := narrate.NewNarrator("", time.Second, 0, nil)
	mux := NewMultiplexer(reg, backend, narrator, 30*time.Millisecond, 0, nil)
	t.Cleanup(mux.Shutdown)

	require.NoError(t, mux.Send(sess.ID, "first", ""))
	assert.Eventually(t, func() bool { return len(backend.contexts()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, mux.Send(sess.ID, "second", ""))
	assert.Eventually(t, func() bool { return len(backend.contexts()) == 2 }, time.Second, 10*time.Millisecond)

	ctxs := backend.contexts()
	assert.Eventually(t, func() bool {
		select {
		case <-ctxs[0].Done():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "abandoned turn keeps streaming")

	select {
	case <-ctxs[1].Done():
		t.Fatal("live turn was cancelled")
	default:
	}
}

// failingBackend refuses every turn.
type failingBackend struct{}

func (failingBackend) Send(ctx context.Context, sessionID, prompt string) (<-chan agent.Chunk, error) {
	return nil, errors.New("backend down")
}

func (failingBackend) EndSession(string) {}

func TestBackendFailureStaysInBand(t *testing.T) {
	mux, reg, sess := newTestMux(t, failingBackend{}, 30*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))
	require.NoError(t, mux.Send(sess.ID, "hello", ""))

	assert.Eventually(t, func() bool {
		for _, fr := range sink.Frames() {
			if strings.HasPrefix(fr, "{") {
				var rec Record
				if json.Unmarshal([]byte(fr), &rec) == nil && rec.Type == TypeSystem {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The session survives and the failure is on the record.
	types := eventTypes(t, reg, sess.ID)
	assert.Contains(t, types, transcript.EventSystem)
	closed, _ := sink.ClosedWith()
	assert.False(t, closed)
	require.NoError(t, mux.Send(sess.ID, "still here", ""))
}

func TestStreamErrorChunkBecomesSystemEvent(t *testing.T) {
	backend := &agent.MockBackend{Chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "partial "},
		{Kind: agent.ChunkText, Meta: map[string]interface{}{"error": "stream cut"}},
	}}
	mux, reg, sess := newTestMux(t, backend, 40*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))
	require.NoError(t, mux.Send(sess.ID, "try", ""))

	assert.Eventually(t, func() bool { return sink.summaryCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	types := eventTypes(t, reg, sess.ID)
	assert.Contains(t, types, transcript.EventSystem)
	// The partial text still narrates.
	frames := sink.Frames()
	var summary Record
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &summary))
	assert.Equal(t, "partial", summary.Content)
}

func TestTerminateSendsTerminalClose(t *testing.T) {
	backend := &agent.MockBackend{}
	mux, _, sess := newTestMux(t, backend, 30*time.Millisecond)

	sink := &fakeSink{}
	require.NoError(t, mux.Attach(sess.ID, sink))

	mux.Terminate(sess.ID)

	closed, code := sink.ClosedWith()
	require.True(t, closed)
	assert.Equal(t, CloseSessionGone, code)
	assert.Equal(t, []string{sess.ID}, backend.EndedSessions())

	// A surviving registry entry can spin a fresh channel back up.
	require.NoError(t, mux.Send(sess.ID, "still listed", ""))
}

func TestAttachUnknownSession(t *testing.T) {
	mux, _, _ := newTestMux(t, &agent.MockBackend{}, 30*time.Millisecond)
	err := mux.Attach("no-such-session", &fakeSink{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
