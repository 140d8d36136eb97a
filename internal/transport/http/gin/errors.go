package httpgin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/raffle-go/internal/payment"
	"github.com/kirinyoku/raffle-go/internal/service/charge"
	"github.com/kirinyoku/raffle-go/internal/service/feed"
	"github.com/kirinyoku/raffle-go/internal/service/hold"
	"github.com/kirinyoku/raffle-go/internal/service/reconcile"
)

const (
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeHoldExpired  = "hold_expired"
	codeRateLimited  = "rate_limited"
	codeUnauthorized = "unauthorized"
	codeInternal     = "internal_error"
)

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rl *hold.RateLimitedError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many hold requests", Code: codeRateLimited})
		return
	}

	var invalid *hold.InvalidRequestError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: invalid.Error(), Code: codeBadRequest})
		return
	}

	switch {
	case errors.Is(err, hold.ErrRaffleNotFound),
		errors.Is(err, charge.ErrRaffleNotFound),
		errors.Is(err, feed.ErrRaffleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "raffle not found", Code: codeNotFound})
	case errors.Is(err, charge.ErrChargeNotFound), errors.Is(err, reconcile.ErrUnknownCharge):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "charge not found", Code: codeNotFound})
	case errors.Is(err, charge.ErrNoHold):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no live hold to charge", Code: codeHoldExpired})
	case errors.Is(err, charge.ErrAlreadySettled):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "charge already paid", Code: codeConflict})
	case errors.Is(err, charge.ErrHolderRequired):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: charge.ErrHolderRequired.Error(), Code: codeBadRequest})
	case errors.Is(err, charge.ErrInvalidContact):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: charge.ErrInvalidContact.Error(), Code: codeBadRequest})
	case errors.Is(err, payment.ErrConfig):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "payments are not configured", Code: string(payment.KindConfig)})
	case errors.Is(err, payment.ErrAuth):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "payment provider rejected our credentials", Code: string(payment.KindAuth)})
	case errors.Is(err, payment.ErrBadRequest):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "payment provider rejected the charge", Code: string(payment.KindBadRequest)})
	case errors.Is(err, payment.ErrNetwork):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "payment provider unreachable, try again", Code: string(payment.KindNetwork)})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: codeInternal})
	}
}
