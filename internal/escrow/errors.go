package escrow

import (
	"errors"
	"fmt"

	"github.com/holdpay/holdpay/internal/gateway"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrGuard      = errors.New("transition not permitted")

	ErrOrderNotFound   = fmt.Errorf("order %w", ErrNotFound)
	ErrDisputeNotFound = fmt.Errorf("dispute %w", ErrNotFound)

	ErrInvalidStatus        = fmt.Errorf("%w: invalid status for this operation", ErrGuard)
	ErrDisputeExists        = fmt.Errorf("%w: order already has a dispute", ErrGuard)
	ErrAlreadyResolved      = fmt.Errorf("%w: dispute already resolved", ErrGuard)
	ErrMissingPayoutAddress = fmt.Errorf("%w: missing payout address", ErrGuard)
	ErrSellerNotAssigned    = fmt.Errorf("%w: seller not assigned", ErrGuard)
	ErrSettlementInProgress = fmt.Errorf("%w: settlement in progress", ErrGuard)
)

// Error kinds carried in API responses.
const (
	KindValidation       = "validation_error"
	KindNotFound         = "not_found"
	KindGuardViolation   = "guard_violation"
	KindProviderFailure  = "provider_failure"
	KindProviderDeclined = "provider_declined"
	KindInternal         = "internal_error"
)

// Kind maps an error to its machine-readable kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrGuard):
		return KindGuardViolation
	case errors.Is(err, gateway.ErrProviderDeclined):
		return KindProviderDeclined
	case errors.Is(err, gateway.ErrProviderFailure):
		return KindProviderFailure
	}
	return KindInternal
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func statusErr(s Status, action string) error {
	return fmt.Errorf("%w: cannot %s while order is %s", ErrInvalidStatus, action, s)
}
