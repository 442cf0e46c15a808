package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across components.
const (
	FieldService     = "service"
	FieldRequestID   = "request_id"
	FieldProjectID   = "project_id"
	FieldFingerprint = "fingerprint"
	FieldRawErrorID  = "raw_error_id"
	FieldGroupID     = "group_id"
	FieldWorkflowID  = "workflow_id"
	FieldRunID       = "run_id"
	FieldStage       = "stage"
	FieldAttempt     = "attempt"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func ProjectID(id string) slog.Attr {
	return slog.String(FieldProjectID, id)
}

func Fingerprint(fp string) slog.Attr {
	return slog.String(FieldFingerprint, fp)
}

func RawErrorID(id string) slog.Attr {
	return slog.String(FieldRawErrorID, id)
}

func GroupID(id string) slog.Attr {
	return slog.String(FieldGroupID, id)
}

func WorkflowID(id string) slog.Attr {
	return slog.String(FieldWorkflowID, id)
}

func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// Stage names the pipeline stage or activity being executed.
func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

// Attempt is 1-based.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error yields an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
