// Package narrate turns full agent turns into short spoken-style
// summaries. It asks the external Narration Service first and falls back
// to a deterministic local cleanup, so a summary is always produced and a
// narration outage never disturbs the conversation.
package narrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kestrel-voice/kestrel/internal/logger"
)

// Narrator requests turn summaries from the Narration Service.
type Narrator struct {
	serviceURL string
	timeout    time.Duration
	maxRetries uint64
	client     *http.Client
	log        *logger.Logger
}

// NewNarrator creates a narrator. An empty serviceURL disables the remote
// call entirely; every turn then uses the local cleanup transform.
func NewNarrator(serviceURL string, timeout time.Duration, maxRetries int, log *logger.Logger) *Narrator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if log == nil {
		log = logger.Global()
	}

	return &Narrator{
		serviceURL: serviceURL,
		timeout:    timeout,
		maxRetries: uint64(maxRetries),
		client:     &http.Client{Timeout: timeout},
		log:        log.WithPrefix("narrate"),
	}
}

type narrationRequest struct {
	Text string `json:"text"`
}

type narrationResponse struct {
	Summary string `json:"summary"`
}

// Summarize produces a short spoken-style summary of a full turn. It
// never fails: on any service error the local cleanup result is returned
// instead, and the returned text is always non-empty.
func (n *Narrator) Summarize(ctx context.Context, turnText string) string {
	if strings.TrimSpace(turnText) == "" {
		return fallbackSummary
	}

	if n.serviceURL == "" {
		return Cleanup(turnText)
	}

	var summary string
	operation := func() error {
		s, err := n.requestSummary(ctx, turnText)
		if err != nil {
			return err
		}
		summary = s
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		n.log.Warn("Narration service unavailable, using local cleanup: %v", err)
		return Cleanup(turnText)
	}

	if strings.TrimSpace(summary) == "" {
		n.log.Warn("Narration service returned empty summary, using local cleanup")
		return Cleanup(turnText)
	}

	return strings.TrimSpace(summary)
}

func (n *Narrator) requestSummary(ctx context.Context, turnText string) (string, error) {
	body, err := json.Marshal(narrationRequest{Text: turnText})
	if err != nil {
		return "", backoff.Permanent(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.serviceURL, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narration service returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out narrationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("narration service returned invalid JSON: %w", err)
	}

	return out.Summary, nil
}
