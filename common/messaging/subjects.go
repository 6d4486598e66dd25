package messaging

// Subjects follow {domain}.{resource}.{action}.
const (
	// SubjectEventLogCommitted carries "committed up to position N" wake-ups.
	SubjectEventLogCommitted = "eventlog.notifications.committed"

	// SubjectProjectionRebuilt prefixes per-projection rebuild announcements.
	SubjectProjectionRebuilt = "projections.rebuild.completed"
)

const (
	HeaderPosition = "Projector-Position"
	HeaderSource   = "Projector-Source"
)

// ProjectionRebuiltSubject returns the subject announcing that projection
// finished a rebuild, e.g. projections.rebuild.completed.streams.
func ProjectionRebuiltSubject(projection string) string {
	return SubjectProjectionRebuilt + "." + projection
}
