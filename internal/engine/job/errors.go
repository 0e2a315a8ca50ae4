package job

import "errors"

// ErrorKind distinguishes the failure taxonomy surfaced in RunRecords and
// API responses. Kinds are sentinel errors so callers can use errors.Is.
type ErrorKind string

// Error makes an ErrorKind usable as a sentinel error value.
func (k ErrorKind) Error() string { return string(k) }

const (
	ErrInvalidSchedule             ErrorKind = "invalid_schedule"
	ErrInvalidPayload              ErrorKind = "invalid_payload"
	ErrConflictingTargetAndPayload ErrorKind = "conflicting_target_and_payload"
	ErrNotFound                    ErrorKind = "not_found"
	ErrLaneQueueFull               ErrorKind = "lane_queue_full"
	ErrStorageUnavailable          ErrorKind = "storage_unavailable"
	ErrAgentTimeout                ErrorKind = "agent_timeout"
	ErrAgentError                  ErrorKind = "agent_error"
	ErrDeliveryError               ErrorKind = "delivery_error"
	ErrCancelled                   ErrorKind = "cancelled"
	ErrInternal                    ErrorKind = "internal"
)

// KindError pairs a taxonomy kind with a human-readable detail. It
// implements error and supports errors.Is against the bare ErrorKind
// sentinels above.
type KindError struct {
	Kind   ErrorKind
	Detail string
}

func (e *KindError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Is allows errors.Is(err, job.ErrNotFound) style checks by comparing the
// Kind against a target ErrorKind value wrapped as an error.
func (e *KindError) Is(target error) bool {
	if kind, ok := target.(ErrorKind); ok {
		return e.Kind == kind
	}
	var k *KindError
	if errors.As(target, &k) {
		return e.Kind == k.Kind
	}
	return false
}

// NewError builds a KindError.
func NewError(kind ErrorKind, detail string) *KindError {
	return &KindError{Kind: kind, Detail: detail}
}

// Is reports whether err carries the given ErrorKind.
func Is(err error, kind ErrorKind) bool {
	var k *KindError
	if errors.As(err, &k) {
		return k.Kind == kind
	}
	return false
}
