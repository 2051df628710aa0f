// Package transcript provides the append-only, crash-safe event log that
// records everything a session said and did. One JSON record per line;
// appends are fsynced before returning, and a torn final line left by a
// crash is ignored on the next read.
package transcript

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/oklog/ulid/v2"
)

// maxLineBytes bounds a single transcript record on read. Agent output is
// chunked well below this; anything larger is treated as corrupt.
const maxLineBytes = 4 << 20

// Log is a single-writer append-only event log for one session.
type Log struct {
	path string
	log  *logger.Logger

	mu      sync.Mutex
	file    *os.File
	entropy *ulid.MonotonicEntropy
	closed  bool
}

// Open opens (creating if needed) the transcript log at path. The file
// stays open in append mode for the lifetime of the session.
func Open(path string, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	if log == nil {
		log = logger.Global()
	}

	return &Log{
		path:    path,
		log:     log.WithPrefix("transcript"),
		file:    file,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Path returns the log's file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event and flushes it to disk before returning, so a
// crash after Append implies the event is durable. Events with an empty
// type or source are rejected; metadata is not otherwise validated.
func (l *Log) Append(ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type must not be empty")
	}
	if ev.Source == "" {
		return fmt.Errorf("event source must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("transcript %s is closed", l.path)
	}

	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.ID == "" {
		id, err := ulid.New(ulid.Timestamp(ev.TS), l.entropy)
		if err != nil {
			return fmt.Errorf("failed to generate event id: %w", err)
		}
		ev.ID = id.String()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	return nil
}

// ReadAll replays the full log in file order. The file is re-read from
// the start on every call, so the sequence is restartable and reflects
// every append completed so far. Undecodable lines (a torn final line
// after a crash) are skipped, never surfaced as errors.
func (l *Log) ReadAll() ([]Event, error) {
	return ReadFile(l.path, l.log)
}

// ReadFile reads a transcript file without holding a writer open. Used
// by Log.ReadAll and for inspecting transcripts of inactive sessions.
func ReadFile(path string, log *logger.Logger) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if log == nil {
		log = logger.Global()
	}

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Most likely a torn write from a crash; drop the record
			log.Warn("Skipping corrupt transcript line %d in %s: %v", lineNo, path, err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return events, nil
}

// Close closes the underlying file. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
