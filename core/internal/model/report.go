package model

import "time"

// Levels accepted on ingestion.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelFatal   = "fatal"
)

// DefaultEnvironment applies when a report omits environment.
const DefaultEnvironment = "production"

// ErrorReport is the normalized payload accepted at the ingestion boundary.
type ErrorReport struct {
	Service     string          `json:"service"`
	Environment string          `json:"environment,omitempty"`
	Level       string          `json:"level,omitempty"`
	Message     string          `json:"message"`
	Exception   *ExceptionInfo  `json:"exception,omitempty"`
	StackTrace  string          `json:"stack_trace,omitempty"`
	Tags        map[string]any  `json:"tags,omitempty"`
	Extra       map[string]any  `json:"extra,omitempty"`
	User        *UserContext    `json:"user,omitempty"`
	Request     *RequestContext `json:"request,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Release     string          `json:"release,omitempty"`
}

// ExceptionInfo describes the exception carried by a report.
type ExceptionInfo struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Module string `json:"module,omitempty"`
}

// UserContext identifies the user affected by an error.
type UserContext struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// RequestContext describes the HTTP request being served when the error occurred.
type RequestContext struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    map[string]any    `json:"data,omitempty"`
}

// HasException reports whether exception info is present.
func (r *ErrorReport) HasException() bool {
	return r.Exception != nil
}

// UserID returns the affected user's id, or "" when unknown.
func (r *ErrorReport) UserID() string {
	if r.User == nil {
		return ""
	}
	return r.User.ID
}
