package hold

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRaffleNotFound = errors.New("raffle not found")
	ErrInvalidRequest = errors.New("invalid hold request")
	ErrRateLimited    = errors.New("too many hold requests")
)

type InvalidRequestError struct {
	Reason  string
	Numbers []int
}

func (e *InvalidRequestError) Error() string {
	if len(e.Numbers) > 0 {
		return fmt.Sprintf("%s: %v", e.Reason, e.Numbers)
	}
	return e.Reason
}

func (e *InvalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
