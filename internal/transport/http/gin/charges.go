package httpgin

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/raffle-go/internal/payment"
)

const maxWebhookBody = 64 << 10

// @Summary  Issue a PIX charge for the holder's numbers
// @Param    id   path  int                 true  "Raffle ID"
// @Param    req  body  IssueChargeRequest  true  "payload"
// @Success  201  {object}  ChargeResponse  "new charge"
// @Success  200  {object}  ChargeResponse  "identical pending charge"
// @Failure  400  {object}  ErrorResponse
// @Failure  409  {object}  ErrorResponse  "hold lapsed"
// @Failure  502  {object}  ErrorResponse  "provider failure"
// @Failure  503  {object}  ErrorResponse  "provider not configured or unreachable"
// @Router   /raffles/{id}/charges [post]
func (h *handler) issueCharge(c *gin.Context) {
	raffleID, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}

	var req IssueChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	issued, err := h.svcs.Charges.IssueCharge(c.Request.Context(), raffleID, req.HolderRef, req.Buyer.contact())
	if err != nil {
		respondErr(c, err)
		return
	}

	status := http.StatusCreated
	if issued.Reused {
		status = http.StatusOK
	}

	c.JSON(status, ChargeResponse{Charge: issued.Charge, Reused: issued.Reused})
}

// @Summary  Get charge
// @Param    ref  path  string  true  "Charge reference"
// @Success  200  {object}  ChargeResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /charges/{ref} [get]
func (h *handler) getCharge(c *gin.Context) {
	ch, err := h.svcs.Charges.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, ChargeResponse{Charge: ch})
}

// @Summary  Abandon a pending charge
// @Param    ref         path   string  true  "Charge reference"
// @Param    holder_ref  query  string  true  "buyer session"
// @Success  200  {object}  ChargeResponse
// @Failure  404  {object}  ErrorResponse
// @Failure  409  {object}  ErrorResponse  "already paid"
// @Router   /charges/{ref} [delete]
func (h *handler) abandonCharge(c *gin.Context) {
	holder := c.Query("holder_ref")
	if holder == "" {
		badRequest(c, "holder_ref is required")
		return
	}

	ch, err := h.svcs.Charges.Abandon(c.Request.Context(), c.Param("ref"), holder)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, ChargeResponse{Charge: ch})
}

// @Summary  Payment provider push
// @Param    x-signature   header  string  false  "ts=<unix>,v1=<hmac>"
// @Param    x-request-id  header  string  false  "provider request id"
// @Success  200  {object}  WebhookResponse
// @Failure  400  {object}  ErrorResponse
// @Failure  401  {object}  ErrorResponse
// @Router   /webhooks/pix [post]
func (h *handler) pixWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}

	n, err := payment.ParseNotification(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if h.verifier != nil && h.verifier.Enabled() {
		err := h.verifier.Verify(c.GetHeader("x-signature"), c.GetHeader("x-request-id"), n.Ref, h.clock.Now())
		if err != nil {
			h.logger.WarnContext(ctx, "webhook rejected",
				slog.String("charge_ref", n.Ref), slog.Any("err", err))
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature", Code: codeUnauthorized})
			return
		}
	}

	out, err := h.svcs.Reconciler.HandlePush(ctx, n)
	if err != nil {
		// Non-2xx makes the provider deliver the push again.
		h.logger.ErrorContext(ctx, "webhook processing failed",
			slog.String("charge_ref", n.Ref), slog.Any("err", err))
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Received: true, Settled: out.Settled, Status: out.Status})
}
