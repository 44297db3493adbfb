package schemas

import (
	"fmt"
	"time"
)

// -- Run Lifecycle Models --

// RunState tracks a session through its lifecycle. Transitions are strictly
// ordered: Created -> Provisioning -> Ready -> Running -> Completed | Failed.
type RunState string

const (
	StateCreated      RunState = "CREATED"
	StateProvisioning RunState = "PROVISIONING"
	StateReady        RunState = "READY"
	StateRunning      RunState = "RUNNING"
	StateCompleted    RunState = "COMPLETED"
	StateFailed       RunState = "FAILED"
)

// Terminal reports whether the state is a terminal one.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// LiveViewUnavailable is the sentinel returned when a backend has no human
// viewable rendering of the browser. Callers must check for it rather than
// treating an empty string as a URL.
const LiveViewUnavailable = "unavailable"

// Session is the unit of work for one application attempt. The backend handle
// that owns the underlying browser resource is kept by the orchestrator and
// never crosses this boundary.
type Session struct {
	ID          string `json:"session_id"`
	LiveViewURL string `json:"live_view_url"`
	CDPEndpoint string `json:"-"`
}

// ApplicationRequest is the immutable input for one run.
type ApplicationRequest struct {
	UserID       string            `json:"user_id"`
	URL          string            `json:"url"`
	Profile      map[string]any    `json:"profile,omitempty"`
	ResumeURL    string            `json:"resume_url"`
	Instructions string            `json:"instructions,omitempty"`
	Secrets      map[string]string `json:"secrets,omitempty"`
	WebhookURL   string            `json:"webhook_url,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// ValidationError signals a missing or malformed input field. The API layer
// maps it to a client error; no resources have been acquired when it fires.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: field %q %s", e.Field, e.Reason)
}

// Validate checks the mandatory fields. It must be called before any
// provisioning happens.
func (r *ApplicationRequest) Validate() error {
	switch {
	case r.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "is required"}
	case r.URL == "":
		return &ValidationError{Field: "url", Reason: "is required"}
	case r.ResumeURL == "":
		return &ValidationError{Field: "resume_url", Reason: "is required"}
	}
	return nil
}

// Usage aggregates token and cost accounting for one agent execution.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"-"`
}
