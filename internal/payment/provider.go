package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/raffle-go/internal/domain"
)

// Kind classifies a provider failure for the buyer.
type Kind string

const (
	KindConfig     Kind = "config_error"
	KindAuth       Kind = "auth_error"
	KindBadRequest Kind = "bad_request"
	KindNetwork    Kind = "network_error"
)

var (
	ErrConfig     = errors.New("payment provider is not configured")
	ErrAuth       = errors.New("payment provider rejected credentials")
	ErrBadRequest = errors.New("payment provider rejected the charge request")
	ErrNetwork    = errors.New("payment provider unreachable")
)

// Error is a classified provider failure. errors.Is matches it against the
// sentinel of its kind.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindAuth:
		return ErrAuth
	case KindBadRequest:
		return ErrBadRequest
	default:
		return ErrNetwork
	}
}

// KindOf returns the classification of err, or "" when err is not a
// provider failure.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

type ChargeRequest struct {
	AmountCents int64
	Description string
	Buyer       domain.BuyerContact
	// ExternalReference ties the provider record back to the hold.
	ExternalReference string
	ExpiresAt         time.Time
}

type CreatedCharge struct {
	Ref       string
	Status    domain.ChargeStatus
	QRPayload string
	QRImage   string
}

// Provider is the instant payment gateway.
type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (CreatedCharge, error)
	ChargeStatus(ctx context.Context, ref string) (domain.ChargeStatus, error)
}

// MapStatus converts a provider payment status to a charge status. Unknown
// values are treated as still pending.
func MapStatus(s string) domain.ChargeStatus {
	switch s {
	case "approved":
		return domain.ChargePaid
	case "rejected", "cancelled", "refunded", "charged_back":
		return domain.ChargeFailed
	default:
		return domain.ChargePending
	}
}
