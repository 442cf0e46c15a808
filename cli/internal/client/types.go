package client

import (
	"net/url"
	"strconv"
	"time"
)

type ErrorReport struct {
	Service     string         `json:"service"`
	Environment string         `json:"environment,omitempty"`
	Level       string         `json:"level,omitempty"`
	Message     string         `json:"message"`
	Exception   *Exception     `json:"exception,omitempty"`
	StackTrace  string         `json:"stack_trace,omitempty"`
	Tags        map[string]any `json:"tags,omitempty"`
	User        *User          `json:"user,omitempty"`
	Release     string         `json:"release,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

type Exception struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Module string `json:"module,omitempty"`
}

type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

type IngestResult struct {
	RawErrorID string `json:"raw_error_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

type Group struct {
	ID            string    `json:"id" yaml:"id"`
	Fingerprint   string    `json:"fingerprint" yaml:"fingerprint"`
	Service       string    `json:"service" yaml:"service"`
	Environment   string    `json:"environment" yaml:"environment"`
	Title         string    `json:"title" yaml:"title"`
	Culprit       string    `json:"culprit" yaml:"culprit"`
	Level         string    `json:"level" yaml:"level"`
	Status        string    `json:"status" yaml:"status"`
	Health        *string   `json:"health,omitempty" yaml:"health,omitempty"`
	Frequency     *float64  `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	FirstSeen     time.Time `json:"first_seen" yaml:"first_seen"`
	LastSeen      time.Time `json:"last_seen" yaml:"last_seen"`
	Occurrences   int64     `json:"occurrences" yaml:"occurrences"`
	UsersAffected int64     `json:"users_affected" yaml:"users_affected"`
}

type GroupCounts struct {
	Total      int64 `json:"total" yaml:"total"`
	Unresolved int64 `json:"unresolved" yaml:"unresolved"`
	Resolved   int64 `json:"resolved" yaml:"resolved"`
	Ignored    int64 `json:"ignored" yaml:"ignored"`
}

type Event struct {
	ID          string    `json:"id" yaml:"id"`
	Message     string    `json:"message" yaml:"message"`
	Level       string    `json:"level" yaml:"level"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	IsDuplicate bool      `json:"is_duplicate" yaml:"is_duplicate"`
	DuplicateOf *string   `json:"duplicate_of,omitempty" yaml:"duplicate_of,omitempty"`
}

type Workflow struct {
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	RunID      string `json:"run_id" yaml:"run_id"`
	Status     string `json:"status" yaml:"status"`
	State      string `json:"state" yaml:"state"`
	Stage      string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	Runs       int    `json:"runs" yaml:"runs"`
}

// Usage is the per-project ingest summary.
type Usage struct {
	ProjectID       string     `json:"project_id" yaml:"project_id"`
	TotalReports    int64      `json:"total_reports" yaml:"total_reports"`
	ReportsLastHour int64      `json:"reports_last_hour" yaml:"reports_last_hour"`
	ReportsLast24h  int64      `json:"reports_last_24h" yaml:"reports_last_24h"`
	ServicesToday   []string   `json:"services_today" yaml:"services_today"`
	LastReportAt    *time.Time `json:"last_report_at,omitempty" yaml:"last_report_at,omitempty"`
	LastService     string     `json:"last_service,omitempty" yaml:"last_service,omitempty"`
	Pending         int64      `json:"pending" yaml:"pending"`
}

// GroupFilter maps onto the list query parameters. Zero values are omitted.
type GroupFilter struct {
	Service     string
	Environment string
	Status      string
	Since       time.Time
	Limit       int
}

func (f GroupFilter) query() string {
	q := url.Values{}
	if f.Service != "" {
		q.Set("service", f.Service)
	}
	if f.Environment != "" {
		q.Set("environment", f.Environment)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
