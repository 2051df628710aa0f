package stream

import (
	"encoding/json"
	"strings"

	"github.com/kestrel-voice/kestrel/internal/transcript"
)

// Server to client frames come in two shapes: raw text frames carrying a
// live agent chunk behind RawPrefix, and JSON records. A frame whose
// first byte is '{' is a record; anything else is raw.
const RawPrefix = "A: "

// Record is a structured server to client frame.
type Record struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Record types.
const (
	TypeSystem    = "system"
	TypeDetail    = "detail"
	TypeAssistant = "assistant"
	TypeSummary   = "summary"
)

// CloseSessionGone tells the client its session no longer exists and
// reconnecting is pointless. Every other close code is transient.
const CloseSessionGone = 4404

func encodeRecord(rec Record) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		data, _ = json.Marshal(Record{Type: TypeSystem, Source: "server", Content: "encoding failure"})
	}
	return data
}

func encodeRaw(text string) []byte {
	return []byte(RawPrefix + text)
}

// recordFromEvent maps a transcript event onto the frame shown to a
// reconnecting client during replay.
func recordFromEvent(ev transcript.Event) Record {
	switch ev.Type {
	case transcript.EventAgentStream:
		return Record{Type: TypeAssistant, Source: ev.Source, Content: ev.Content}
	case transcript.EventSummary:
		return Record{Type: TypeSummary, Source: ev.Source, Content: ev.Content}
	case transcript.EventSystem:
		return Record{Type: TypeSystem, Source: ev.Source, Content: ev.Content}
	default:
		// stt_raw, user_intent, tool_call, tool_result
		return Record{Type: TypeDetail, Source: ev.Source, Content: ev.Content}
	}
}

// prompt is one client to server message.
type prompt struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// parsePrompt decodes a client frame. Frames starting with '{' are JSON
// prompts carrying an optional source tag (speech capture sends "stt");
// everything else is the prompt text itself.
func parsePrompt(data []byte) prompt {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var p prompt
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil && p.Text != "" {
			return p
		}
	}
	return prompt{Text: trimmed}
}
