package vault

import (
	"errors"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/admission"
	"github.com/WebFirstLanguage/beevault/internal/capacity"
	"github.com/WebFirstLanguage/beevault/internal/consensus"
	"github.com/WebFirstLanguage/beevault/internal/resourceproof"
	"github.com/WebFirstLanguage/beevault/internal/section"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
)

// throttleRetry is the back-off suggested to throttled candidates
const throttleRetry = 5 * time.Second

// Classify maps a local error to the protocol error code reported to the
// peer and the retry-after hint, zero when retrying cannot help
func Classify(err error) (uint16, time.Duration) {
	var rej *admission.Rejection
	switch {
	case errors.As(err, &rej):
		if errors.Is(rej.Err, admission.ErrMutationCapExceeded) {
			return constants.ErrorMutationCapExceeded, 0
		}
		return constants.ErrorRateExceeded, rej.RetryAfter
	case errors.Is(err, admission.ErrRateExceeded):
		return constants.ErrorRateExceeded, 0
	case errors.Is(err, admission.ErrMutationCapExceeded):
		return constants.ErrorMutationCapExceeded, 0
	case errors.Is(err, capacity.ErrCapacityExceeded):
		return constants.ErrorCapacityExceeded, 0
	case errors.Is(err, ErrNotManager):
		return constants.ErrorNotManager, 0

	case errors.Is(err, resourceproof.ErrThrottled):
		return constants.ErrorThrottled, throttleRetry
	case errors.Is(err, resourceproof.ErrExpired), errors.Is(err, resourceproof.ErrUnknownChallenge):
		return constants.ErrorExpired, 0

	case errors.Is(err, section.ErrSequenceGap), errors.Is(err, consensus.ErrBehind):
		return constants.ErrorSequenceGap, 0
	case errors.Is(err, consensus.ErrQuorumAbandoned), errors.Is(err, consensus.ErrRetryBudgetExhausted):
		return constants.ErrorQuorumAbandoned, 0
	case errors.Is(err, section.ErrInvariantViolation), errors.Is(err, section.ErrHalted):
		return constants.ErrorInvariantViolation, 0
	case errors.Is(err, consensus.ErrNotMember):
		return constants.ErrorNotInSection, 0

	default:
		return constants.ErrorMalformed, 0
	}
}
