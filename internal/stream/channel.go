package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-voice/kestrel/internal/agent"
	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/kestrel-voice/kestrel/internal/narrate"
	"github.com/kestrel-voice/kestrel/internal/registry"
	"github.com/kestrel-voice/kestrel/internal/transcript"
)

// frameSink is where a session channel delivers frames. The websocket
// client implements it; tests use an in-memory fake.
type frameSink interface {
	// enqueue hands off an encoded frame without blocking. False means
	// the sink cannot keep up and should be dropped.
	enqueue(frame []byte) bool
	// closeWith terminates the sink with a websocket close code.
	closeWith(code int, reason string)
}

type promptMsg struct {
	text   string
	source string
}

// channel owns everything live about one session: the attached client,
// the agent output stream, the turn buffer and the debounce timer. A
// single goroutine serializes all of it, so a replay always finishes
// before the next live chunk reaches a freshly attached client.
type channel struct {
	sessionID string
	tlog      *transcript.Log
	reg       *registry.Registry
	backend   agent.Backend
	narrator  *narrate.Narrator
	debounce  time.Duration
	turnLimit time.Duration
	log       *logger.Logger

	attachCh chan frameSink
	detachCh chan frameSink
	promptCh chan promptMsg
	quit     chan struct{}
	done     chan struct{}
}

func newChannel(sessionID string, tlog *transcript.Log, reg *registry.Registry, backend agent.Backend, narrator *narrate.Narrator, debounce, turnLimit time.Duration, log *logger.Logger) *channel {
	return &channel{
		sessionID: sessionID,
		tlog:      tlog,
		reg:       reg,
		backend:   backend,
		narrator:  narrator,
		debounce:  debounce,
		turnLimit: turnLimit,
		log:       log,
		attachCh:  make(chan frameSink),
		detachCh:  make(chan frameSink),
		promptCh:  make(chan promptMsg, 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (ch *channel) run(ctx context.Context) {
	defer close(ch.done)

	var (
		sink       frameSink
		buf        strings.Builder
		chunks     <-chan agent.Chunk
		timerC     <-chan time.Time
		turnCancel context.CancelFunc
	)
	defer func() {
		if turnCancel != nil {
			turnCancel()
		}
	}()
	timer := time.NewTimer(ch.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	restartTimer := func() {
		if timerC != nil && !timer.Stop() {
			<-timer.C
		}
		timer.Reset(ch.debounce)
		timerC = timer.C
	}

	dropSink := func() {
		sink = nil
		ch.setState(registry.StateIdle)
	}

	deliver := func(frame []byte) {
		if sink == nil {
			return
		}
		if !sink.enqueue(frame) {
			ch.log.Warn("Client for session %s cannot keep up, dropping", ch.sessionID)
			sink.closeWith(websocket.CloseGoingAway, "too slow")
			dropSink()
		}
	}

	for {
		select {
		case s := <-ch.attachCh:
			if sink != nil {
				sink.closeWith(websocket.CloseGoingAway, "replaced by new connection")
				dropSink()
			}
			if !ch.replay(s) {
				// A truncated history must never be resumed live; a
				// transient close makes the client reconnect and get
				// the full replay.
				s.closeWith(websocket.CloseGoingAway, "replay incomplete")
				continue
			}
			sink = s
			ch.setState(registry.StateAttached)

		case s := <-ch.detachCh:
			if s == sink {
				dropSink()
			}

		case p := <-ch.promptCh:
			if p.source == "stt" {
				ch.append(transcript.Event{Type: transcript.EventSTTRaw, Source: "stt", Content: p.text})
			}
			ch.append(transcript.Event{Type: transcript.EventUserIntent, Source: "user", Content: p.text})
			buf.Reset()
			if turnCancel != nil {
				// The superseded turn's stream must not outlive it.
				turnCancel()
			}
			var turnCtx context.Context
			if ch.turnLimit > 0 {
				turnCtx, turnCancel = context.WithTimeout(ctx, ch.turnLimit)
			} else {
				turnCtx, turnCancel = context.WithCancel(ctx)
			}
			out, err := ch.backend.Send(turnCtx, ch.sessionID, p.text)
			if err != nil {
				turnCancel()
				turnCancel = nil
				ch.log.Error("Agent backend refused turn for session %s: %v", ch.sessionID, err)
				msg := fmt.Sprintf("agent backend unavailable: %v", err)
				ch.append(transcript.Event{Type: transcript.EventSystem, Source: "agent", Content: msg})
				deliver(encodeRecord(Record{Type: TypeSystem, Source: "agent", Content: msg}))
				continue
			}
			chunks = out

		case c, ok := <-chunks:
			if !ok {
				// No explicit end-of-turn marker; the quiet period decides.
				chunks = nil
				if turnCancel != nil {
					turnCancel()
					turnCancel = nil
				}
				continue
			}
			ch.handleChunk(c, &buf, deliver)
			restartTimer()

		case <-timerC:
			timerC = nil
			if buf.Len() == 0 {
				continue
			}
			turn := buf.String()
			buf.Reset()
			summary := ch.narrator.Summarize(ctx, turn)
			ch.append(transcript.Event{Type: transcript.EventSummary, Source: "narrator", Content: summary})
			deliver(encodeRecord(Record{Type: TypeSummary, Source: "narrator", Content: summary}))

		case <-ch.quit:
			if sink != nil {
				sink.closeWith(CloseSessionGone, "session gone")
			}
			ch.backend.EndSession(ch.sessionID)
			timer.Stop()
			if turnCancel != nil {
				turnCancel()
			}
			return

		case <-ctx.Done():
			if sink != nil {
				sink.closeWith(websocket.CloseGoingAway, "server shutting down")
			}
			ch.backend.EndSession(ch.sessionID)
			timer.Stop()
			if turnCancel != nil {
				turnCancel()
			}
			return
		}
	}
}

// handleChunk logs, forwards and accumulates one agent output chunk.
// Logging happens even with no client attached; output is never dropped.
func (ch *channel) handleChunk(c agent.Chunk, buf *strings.Builder, deliver func([]byte)) {
	if errMsg, ok := c.Meta["error"].(string); ok {
		ch.log.Warn("Agent stream error for session %s: %s", ch.sessionID, errMsg)
		msg := fmt.Sprintf("agent error: %s", errMsg)
		ch.append(transcript.Event{Type: transcript.EventSystem, Source: "agent", Content: msg, Meta: c.Meta})
		deliver(encodeRecord(Record{Type: TypeSystem, Source: "agent", Content: msg}))
		return
	}

	switch c.Kind {
	case agent.ChunkToolCall:
		content := c.Content
		if content == "" {
			content = c.ToolName
		}
		ch.append(transcript.Event{Type: transcript.EventToolCall, Source: "agent", Content: content, Meta: toolMeta(c)})
		deliver(encodeRecord(Record{Type: TypeDetail, Source: "tool", Content: content}))

	case agent.ChunkToolResult:
		ch.append(transcript.Event{Type: transcript.EventToolResult, Source: "agent", Content: c.Content, Meta: toolMeta(c)})
		deliver(encodeRecord(Record{Type: TypeDetail, Source: "tool", Content: c.Content}))

	default:
		ch.append(transcript.Event{Type: transcript.EventAgentStream, Source: "agent", Content: c.Content})
		deliver(encodeRaw(c.Content))
		buf.WriteString(c.Content)
	}
}

func toolMeta(c agent.Chunk) map[string]interface{} {
	meta := c.Meta
	if c.ToolName != "" {
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["tool"] = c.ToolName
	}
	return meta
}

// replay streams the full transcript to a newly attached sink before
// any live output resumes. Returns false when the sink must not go
// live: either the history could not be read or the sink could not
// absorb all of it, and resuming would hand the client a gapped view.
func (ch *channel) replay(s frameSink) bool {
	events, err := ch.tlog.ReadAll()
	if err != nil {
		ch.log.Error("Replay failed for session %s: %v", ch.sessionID, err)
		return false
	}
	for i, ev := range events {
		if !s.enqueue(encodeRecord(recordFromEvent(ev))) {
			ch.log.Warn("Replay overflow for session %s after %d of %d events", ch.sessionID, i, len(events))
			return false
		}
	}
	return true
}

func (ch *channel) append(ev transcript.Event) {
	if err := ch.tlog.Append(ev); err != nil {
		ch.log.Error("Transcript append failed for session %s: %v", ch.sessionID, err)
	}
}

func (ch *channel) setState(state registry.State) {
	if err := ch.reg.SetState(ch.sessionID, state); err != nil {
		ch.log.Debug("State update for session %s skipped: %v", ch.sessionID, err)
	}
}

// Multiplexer routes client sockets and prompts onto per-session
// channels, spinning each channel's goroutine up on first use.
type Multiplexer struct {
	reg       *registry.Registry
	backend   agent.Backend
	narrator  *narrate.Narrator
	debounce  time.Duration
	turnLimit time.Duration
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
}

// NewMultiplexer creates a multiplexer. debounce is the quiet period
// that ends a turn; turnLimit bounds a single backend turn (zero means
// unbounded).
func NewMultiplexer(reg *registry.Registry, backend agent.Backend, narrator *narrate.Narrator, debounce, turnLimit time.Duration, log *logger.Logger) *Multiplexer {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		reg:       reg,
		backend:   backend,
		narrator:  narrator,
		debounce:  debounce,
		turnLimit: turnLimit,
		log:       log.WithPrefix("stream"),
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[string]*channel),
	}
}

func (m *Multiplexer) channelFor(sessionID string) (*channel, error) {
	m.mu.Lock()
	ch, ok := m.channels[sessionID]
	m.mu.Unlock()
	if ok {
		return ch, nil
	}

	tlog, err := m.reg.Transcript(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok = m.channels[sessionID]; ok {
		return ch, nil
	}
	ch = newChannel(sessionID, tlog, m.reg, m.backend, m.narrator, m.debounce, m.turnLimit, m.log)
	m.channels[sessionID] = ch
	go ch.run(m.ctx)
	return ch, nil
}

// Attach binds a sink to the session, forcibly replacing any previous
// one, and replays the full transcript before live output resumes.
func (m *Multiplexer) Attach(sessionID string, s frameSink) error {
	ch, err := m.channelFor(sessionID)
	if err != nil {
		return err
	}
	select {
	case ch.attachCh <- s:
		return nil
	case <-ch.done:
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}
}

// Detach unbinds the sink if it is still the attached one.
func (m *Multiplexer) Detach(sessionID string, s frameSink) {
	m.mu.Lock()
	ch, ok := m.channels[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch.detachCh <- s:
	case <-ch.done:
	}
}

// Send forwards client text to the agent backend as a new turn.
func (m *Multiplexer) Send(sessionID, text, source string) error {
	ch, err := m.channelFor(sessionID)
	if err != nil {
		return err
	}
	select {
	case ch.promptCh <- promptMsg{text: text, source: source}:
		return nil
	case <-ch.done:
		return fmt.Errorf("session %s: %w", sessionID, registry.ErrNotFound)
	}
}

// Terminate shuts the session channel down, signalling the attached
// client with the terminal close code so it stops reconnecting.
func (m *Multiplexer) Terminate(sessionID string) {
	m.mu.Lock()
	ch, ok := m.channels[sessionID]
	if ok {
		delete(m.channels, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(ch.quit)
	<-ch.done
}

// Shutdown stops every session channel.
func (m *Multiplexer) Shutdown() {
	m.cancel()
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*channel)
	m.mu.Unlock()
	for _, ch := range channels {
		<-ch.done
	}
}
