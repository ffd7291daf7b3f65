package bid

import (
	"errors"
	"fmt"
)

// ValidationError rejects a bid synchronously with a caller-facing reason.
// It is never logged as a system fault.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidation reports whether err is a bid validation rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func errBidTooLow(minimum int64) error {
	return &ValidationError{Reason: fmt.Sprintf("minimum bid is $%.2f", float64(minimum)/100)}
}

func errBidTooHigh(ceiling int64) error {
	return &ValidationError{Reason: fmt.Sprintf("bid exceeds the maximum allowed amount of $%.2f", float64(ceiling)/100)}
}

func errLotNotLive() error {
	return &ValidationError{Reason: "lot is not open for live bidding"}
}

func errLotNotPreBiddable() error {
	return &ValidationError{Reason: "pre-bids are only accepted before live bidding opens"}
}

func errProxyBelowStart(max, start int64) error {
	return &ValidationError{Reason: fmt.Sprintf("proxy maximum $%.2f is below the starting amount $%.2f", float64(max)/100, float64(start)/100)}
}

func errNoActiveProxy() error {
	return &ValidationError{Reason: "no active proxy bid to cancel"}
}
