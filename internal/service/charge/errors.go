package charge

import "errors"

var (
	ErrRaffleNotFound = errors.New("raffle not found")
	ErrChargeNotFound = errors.New("charge not found")
	ErrNoHold         = errors.New("no live hold to charge")
	ErrInvalidContact = errors.New("buyer contact requires an email")
	ErrHolderRequired = errors.New("holder_ref is required")
	ErrAlreadySettled = errors.New("charge already settled")
)
