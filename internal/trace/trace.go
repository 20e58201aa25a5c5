package trace

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a span.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSlow    Status = "slow"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSlow
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusSlow:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Account is a caller identity derived from a one-way hash of a credential.
type Account struct {
	ID             string    `json:"id"`
	CredentialHash string    `json:"credential_hash"`
	Provider       string    `json:"provider"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Span is the record of one proxied call.
type Span struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	TraceID         string     `json:"trace_id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Status          Status     `json:"status"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	Endpoint        string     `json:"endpoint,omitempty"`
	Streaming       bool       `json:"streaming"`
	Prompt          string     `json:"prompt"`
	Completion      string     `json:"completion"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	CostUSD         float64    `json:"cost_usd"`
	DurationMS      int64      `json:"duration_ms"`
	Error           string     `json:"error,omitempty"`
	RequestSnapshot string     `json:"request_snapshot,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TerminalUpdate is the single write that moves a running span to a
// terminal status.
type TerminalUpdate struct {
	Status       Status
	DurationMS   int64
	CostUSD      float64
	Completion   string
	InputTokens  int
	OutputTokens int
	Error        string
	CompletedAt  time.Time
}

type SpanFilter struct {
	AccountID string
	Status    Status
	Limit     int
}

func normalizeSpanFilterLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
