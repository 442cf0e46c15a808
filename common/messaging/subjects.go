package messaging

// Subject constants for the faultline message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// SubjectErrorsProcess carries workflow start requests for raw errors.
	SubjectErrorsProcess = "errors.process"

	// SubjectGroupsCreated is published when the first occurrence of a fingerprint creates a group.
	SubjectGroupsCreated = "errors.groups.created"

	// SubjectDLQ prefixes dead-lettered workflow failures (errors.dlq.{reason}).
	SubjectDLQ = "errors.dlq"
)

// Queue and consumer names.
const (
	QueueErrorProcessing = "error-processing"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: errors.dlq.retries_exhausted
func DLQSubject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectDLQ + "." + reason
}
