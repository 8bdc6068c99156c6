package contest

import (
	"errors"
	"fmt"

	"github.com/atmx/contest-engine/internal/oracle"
	"github.com/atmx/contest-engine/internal/rail"
)

// Kind classifies an engine error for callers that map errors to
// transport status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindState
	KindAuthorization
	KindMissingData
	KindNotFound
	KindConflict
	KindPayment
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindMissingData:
		return "missing_data"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPayment:
		return "payment"
	default:
		return "internal"
	}
}

// Error is a classified sentinel. Compare with errors.Is.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(k Kind, msg string) *Error { return &Error{Kind: k, msg: msg} }

var (
	ErrInvalidFeePercent       = newError(KindValidation, "contest: fee percent must be below 100")
	ErrInvalidTimeWindow       = newError(KindValidation, "contest: invalid time window")
	ErrInvalidAssets           = newError(KindValidation, "contest: invalid asset list")
	ErrInvalidRewardAllocation = newError(KindValidation, "contest: invalid reward allocation")
	ErrInvalidMaxEntries       = newError(KindValidation, "contest: invalid max entries")
	ErrInvalidAllocation       = newError(KindValidation, "contest: invalid credit allocation")
	ErrInvalidParticipant      = newError(KindValidation, "contest: invalid participant")

	ErrNotInitialized      = newError(KindState, "contest: engine not initialized")
	ErrContestNotOpen      = newError(KindState, "contest: contest is not open for entries")
	ErrContestFull         = newError(KindState, "contest: contest is full")
	ErrContestNotStarted   = newError(KindState, "contest: contest has not started")
	ErrPricesAlreadyLocked = newError(KindState, "contest: start prices already locked")
	ErrPricesNotLocked     = newError(KindState, "contest: start prices not locked")
	ErrContestNotEnded     = newError(KindState, "contest: contest has not ended")
	ErrAlreadyResolved     = newError(KindState, "contest: contest already resolved")
	ErrNotResolved         = newError(KindState, "contest: contest not resolved")
	ErrAlreadyClaimed      = newError(KindState, "contest: reward already claimed")
	ErrDelegated           = newError(KindState, "contest: record is delegated")
	ErrNotDelegated        = newError(KindState, "contest: record is not delegated")

	ErrUnauthorized = newError(KindAuthorization, "contest: caller not authorized")
	ErrNotWinner    = newError(KindAuthorization, "contest: entry is not a winner")

	ErrPriceUnavailable = newError(KindMissingData, "contest: price sample unavailable")
	ErrStalePrice       = newError(KindMissingData, "contest: price sample is stale")

	ErrContestNotFound = newError(KindNotFound, "contest: contest not found")
	ErrEntryNotFound   = newError(KindNotFound, "contest: entry not found")

	ErrAlreadyInitialized = newError(KindConflict, "contest: engine already initialized")
	ErrAlreadyEntered     = newError(KindConflict, "contest: participant already entered")
	ErrVersionMismatch    = newError(KindConflict, "contest: snapshot is not the latest committed state")

	ErrTransferFailed = newError(KindPayment, "contest: transfer failed")
)

// KindOf returns the classification of err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// priceError classifies an oracle failure.
func priceError(err error) error {
	switch {
	case errors.Is(err, oracle.ErrStale), errors.Is(err, oracle.ErrTooEarly):
		return wrap(ErrStalePrice, err)
	default:
		return wrap(ErrPriceUnavailable, err)
	}
}

// transferError classifies a rail failure. Authorization failures on the
// rail are engine misconfiguration and stay internal.
func transferError(err error) error {
	if errors.Is(err, rail.ErrUnauthorized) {
		return err
	}
	return wrap(ErrTransferFailed, err)
}

func wrap(kind *Error, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
