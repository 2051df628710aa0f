package transcript

import "time"

// Event types. The set is closed; metadata stays schema-forward-compatible
// because Append only checks that type and source are present.
const (
	EventSTTRaw      = "stt_raw"
	EventUserIntent  = "user_intent"
	EventAgentStream = "agent_stream"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventSummary     = "summary"
	EventSystem      = "system"
)

// Event is one immutable transcript record. The log file is the sole
// source of truth for a session; anything held in memory is a cache that
// can be rebuilt from the ordered event sequence.
type Event struct {
	ID      string                 `json:"id"`
	TS      time.Time              `json:"ts"`
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Content string                 `json:"content"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}
