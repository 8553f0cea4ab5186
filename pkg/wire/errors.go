package wire

import (
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
)

// Error represents a protocol error reported to a peer
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter time.Duration) *Error {
	secs := uint32((retryAfter + time.Second - 1) / time.Second)
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &secs,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("vault error %s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("vault error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// Retryable reports whether the caller may succeed by retrying later.
// Mutation cap and capacity rejections never clear on their own.
func (e *Error) Retryable() bool {
	switch e.Code {
	case constants.ErrorThrottled, constants.ErrorExpired, constants.ErrorRateExceeded,
		constants.ErrorQuorumAbandoned, constants.ErrorSequenceGap:
		return true
	case constants.ErrorMutationCapExceeded, constants.ErrorCapacityExceeded:
		return false
	default:
		return e.RetryAfter != nil
	}
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorNotInSection:
		return "NOT_IN_SECTION"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorThrottled:
		return "THROTTLED"
	case constants.ErrorExpired:
		return "EXPIRED"
	case constants.ErrorRateExceeded:
		return "RATE_EXCEEDED"
	case constants.ErrorMutationCapExceeded:
		return "MUTATION_CAP_EXCEEDED"
	case constants.ErrorCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case constants.ErrorSequenceGap:
		return "SEQUENCE_GAP"
	case constants.ErrorQuorumAbandoned:
		return "QUORUM_ABANDONED"
	case constants.ErrorInvariantViolation:
		return "INVARIANT_VIOLATION"
	case constants.ErrorProofRejected:
		return "PROOF_REJECTED"
	case constants.ErrorNotManager:
		return "NOT_MANAGER"
	case constants.ErrorMalformed:
		return "MALFORMED"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrInvalidSignature creates an invalid signature error
func ErrInvalidSignature(reason string) *Error {
	return NewError(constants.ErrorInvalidSig, reason)
}

// ErrNotInSection creates a not-in-section error
func ErrNotInSection(prefix string) *Error {
	return NewError(constants.ErrorNotInSection, fmt.Sprintf("not a member of section %s", prefix))
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrorFrameBody wraps err as a protocol error. Errors that already carry a
// protocol code keep it; classify maps local sentinels to codes.
func ErrorFrameBody(err error, classify func(error) (uint16, time.Duration)) *Error {
	if werr, ok := err.(*Error); ok {
		return werr
	}
	code, retry := classify(err)
	if retry > 0 {
		return NewErrorWithRetry(code, err.Error(), retry)
	}
	return NewError(code, err.Error())
}
