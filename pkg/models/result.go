package models

// ApplyStatus is the expected outcome of an idempotent write.
type ApplyStatus int

const (
	Applied ApplyStatus = iota
	AlreadyExists
	NotFound
	Rejected
)

func (s ApplyStatus) String() string {
	switch s {
	case Applied:
		return "applied"
	case AlreadyExists:
		return "already_exists"
	case NotFound:
		return "not_found"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ApplyResult carries an ApplyStatus and, for Rejected, the reason.
type ApplyResult struct {
	Status ApplyStatus
	Reason string
}

// Converged reports whether the target now holds the intended state.
// AlreadyExists and NotFound count, since they are the idempotent outcomes
// of a replayed insert or delete.
func (r ApplyResult) Converged() bool {
	return r.Status != Rejected
}

func ResultApplied() ApplyResult       { return ApplyResult{Status: Applied} }
func ResultAlreadyExists() ApplyResult { return ApplyResult{Status: AlreadyExists} }
func ResultNotFound() ApplyResult      { return ApplyResult{Status: NotFound} }

func ResultRejected(reason string) ApplyResult {
	return ApplyResult{Status: Rejected, Reason: reason}
}
