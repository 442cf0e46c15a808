package model

import "time"

// RawEvent is one persisted occurrence of an error report.
type RawEvent struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Service     string          `json:"service"`
	Environment string          `json:"environment"`
	Level       string          `json:"level"`
	Message     string          `json:"message"`
	Exception   *ExceptionInfo  `json:"exception,omitempty"`
	StackTrace  string          `json:"stack_trace,omitempty"`
	Tags        map[string]any  `json:"tags,omitempty"`
	Extra       map[string]any  `json:"extra,omitempty"`
	User        *UserContext    `json:"user,omitempty"`
	Request     *RequestContext `json:"request,omitempty"`
	Release     string          `json:"release,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`

	IsDuplicate bool    `json:"is_duplicate"`
	DuplicateOf *string `json:"duplicate_of,omitempty"`

	// Written by the fingerprint stage.
	Fingerprint string `json:"fingerprint,omitempty"`
	GroupingKey string `json:"grouping_key,omitempty"`
	Title       string `json:"title,omitempty"`
	Culprit     string `json:"culprit,omitempty"`

	// Written by the group stage.
	GroupID   *string    `json:"group_id,omitempty"`
	GroupedAt *time.Time `json:"grouped_at,omitempty"`
}

// NewRawEvent builds the row persisted for report. Timestamp falls back to
// receivedAt when the report carries none.
func NewRawEvent(id, projectID string, report *ErrorReport, receivedAt time.Time) *RawEvent {
	ts := receivedAt
	if report.Timestamp != nil && !report.Timestamp.IsZero() {
		ts = report.Timestamp.UTC()
	}
	return &RawEvent{
		ID:          id,
		ProjectID:   projectID,
		Service:     report.Service,
		Environment: report.Environment,
		Level:       report.Level,
		Message:     report.Message,
		Exception:   report.Exception,
		StackTrace:  report.StackTrace,
		Tags:        report.Tags,
		Extra:       report.Extra,
		User:        report.User,
		Request:     report.Request,
		Release:     report.Release,
		Timestamp:   ts,
		ReceivedAt:  receivedAt,
	}
}

// Report reconstructs the normalized report the event was created from.
func (e *RawEvent) Report() *ErrorReport {
	ts := e.Timestamp
	return &ErrorReport{
		Service:     e.Service,
		Environment: e.Environment,
		Level:       e.Level,
		Message:     e.Message,
		Exception:   e.Exception,
		StackTrace:  e.StackTrace,
		Tags:        e.Tags,
		Extra:       e.Extra,
		User:        e.User,
		Request:     e.Request,
		Timestamp:   &ts,
		Release:     e.Release,
	}
}

// UserID returns the affected user's id, or "".
func (e *RawEvent) UserID() string {
	if e.User == nil {
		return ""
	}
	return e.User.ID
}

// Signature identifies the failure site for duplicate detection: the stack
// trace when present, else "type|value|module".
func (e *RawEvent) Signature() string {
	if e.StackTrace != "" {
		return e.StackTrace
	}
	if e.Exception == nil {
		return "||"
	}
	return e.Exception.Type + "|" + e.Exception.Value + "|" + e.Exception.Module
}

// Derived holds the values the fingerprint stage computes for a report.
type Derived struct {
	Fingerprint string `json:"fingerprint"`
	Title       string `json:"title"`
	Culprit     string `json:"culprit"`
	GroupingKey string `json:"grouping_key"`
}
