package httpgin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/raffle-go/internal/clock"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/kirinyoku/raffle-go/internal/payment"
	redisrepo "github.com/kirinyoku/raffle-go/internal/repository/redis"
	"github.com/kirinyoku/raffle-go/internal/service"
	"github.com/kirinyoku/raffle-go/internal/service/hold"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const idempotencyLockTTL = 60 * time.Second

type handler struct {
	svcs     *service.Services
	idem     *redisrepo.IdempotencyStore
	verifier *payment.Verifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewRouter builds the public API. idem and verifier may be nil, which
// disables idempotent holds and webhook signature checks respectively.
func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	verifier *payment.Verifier,
	clk clock.Clock,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	h := &handler{svcs: svcs, idem: idem, verifier: verifier, clock: clk, logger: logger}

	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), MetricsMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	raffles := r.Group("/raffles/:id")
	{
		raffles.POST("/holds", h.requestHold)
		raffles.DELETE("/holds", h.releaseHold)
		raffles.GET("/numbers", h.numbers)
		raffles.GET("/feed", h.feed)
		raffles.POST("/charges", h.issueCharge)
	}

	r.GET("/charges/:ref", h.getCharge)
	r.DELETE("/charges/:ref", h.abandonCharge)

	r.POST("/webhooks/pix", h.pixWebhook)

	return r
}

// @Summary  Hold ticket numbers (idempotent)
// @Param    id   path  int          true  "Raffle ID"
// @Param    req  body  HoldRequest  true  "payload"
// @Param    Idempotency-Key  header  string  false  "replays the first successful response"
// @Success  201  {object}  HoldResponse  "at least one number held"
// @Failure  400  {object}  ErrorResponse
// @Failure  404  {object}  ErrorResponse
// @Failure  409  {object}  HoldResponse  "no number could be held"
// @Failure  429  {object}  ErrorResponse
// @Router   /raffles/{id}/holds [post]
func (h *handler) requestHold(c *gin.Context) {
	raffleID, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}

	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()

	idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	var idemStorageKey string
	if h.idem != nil && idemKey != "" {
		idemStorageKey = redisrepo.KeyIdemHold(raffleID, idemKey)

		if h.replay(c, idemStorageKey, idemKey) {
			return
		}

		locked, err := h.idem.AcquireLock(ctx, idemStorageKey, idempotencyLockTTL)
		if err != nil {
			respondErr(c, err)
			return
		}
		if !locked {
			if h.replay(c, idemStorageKey, idemKey) {
				return
			}
			c.Header("Retry-After", "1")
			c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress", Code: codeConflict})
			return
		}
	}

	res, err := h.svcs.Hold.RequestHold(ctx, hold.Request{
		RaffleID:  raffleID,
		Numbers:   req.Numbers,
		HolderRef: req.HolderRef,
		ClientKey: "ip:" + c.ClientIP(),
	})
	if err != nil {
		h.releaseIdem(c, idemStorageKey)
		respondErr(c, err)
		return
	}

	resp := HoldResponse{HoldResult: res, TTLSec: int(h.svcs.Hold.TTL() / time.Second)}

	if len(res.Held) == 0 {
		h.releaseIdem(c, idemStorageKey)
		c.JSON(http.StatusConflict, resp)
		return
	}

	if idemStorageKey != "" {
		b, err := json.Marshal(resp)
		if err == nil {
			err = h.idem.SaveResult(ctx, idemStorageKey, b)
		}
		if err != nil {
			h.logger.WarnContext(ctx, "save idempotent hold result", slog.Any("err", err))
		}
		c.Header("Idempotency-Key", idemKey)
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *handler) replay(c *gin.Context, storageKey, idemKey string) bool {
	payload, ok, err := h.idem.GetResult(c.Request.Context(), storageKey)
	if err != nil || !ok {
		return false
	}
	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", payload)
	return true
}

func (h *handler) releaseIdem(c *gin.Context, storageKey string) {
	if storageKey == "" {
		return
	}
	if err := h.idem.Release(c.Request.Context(), storageKey); err != nil {
		h.logger.WarnContext(c.Request.Context(), "release idempotency lock", slog.Any("err", err))
	}
}

// @Summary  Release held numbers
// @Param    id   path  int             true  "Raffle ID"
// @Param    req  body  ReleaseRequest  true  "payload"
// @Success  200  {object}  ReleaseResponse
// @Failure  400  {object}  ErrorResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /raffles/{id}/holds [delete]
func (h *handler) releaseHold(c *gin.Context) {
	raffleID, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	released, err := h.svcs.ReleaseHold(c.Request.Context(), raffleID, req.HolderRef, req.Numbers)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, ReleaseResponse{Released: released})
}

// @Summary  Partition of a raffle's numbers as seen by a holder
// @Param    id          path   int     true   "Raffle ID"
// @Param    holder_ref  query  string  false  "buyer session"
// @Success  200  {object}  domain.Partition
// @Failure  404  {object}  ErrorResponse
// @Router   /raffles/{id}/numbers [get]
func (h *handler) numbers(c *gin.Context) {
	raffleID, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}

	p, err := h.svcs.Feed.Snapshot(c.Request.Context(), raffleID, c.Query("holder_ref"))
	if err != nil {
		respondErr(c, err)
		return
	}

	writeJSONWithETag(c, http.StatusOK, p, "private, no-cache")
}

// @Summary  Live partition stream (Server-Sent Events)
// @Param    id          path   int     true   "Raffle ID"
// @Param    holder_ref  query  string  false  "buyer session"
// @Produce  text/event-stream
// @Success  200  {object}  domain.Partition  "one partition event per change"
// @Failure  404  {object}  ErrorResponse
// @Router   /raffles/{id}/feed [get]
func (h *handler) feed(c *gin.Context) {
	raffleID, ok := parseInt64Param(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	started := false

	err := h.svcs.Feed.Watch(ctx, raffleID, c.Query("holder_ref"), func(p domain.Partition) error {
		if !started {
			started = true
			c.Header("Cache-Control", "no-cache")
			c.Header("X-Accel-Buffering", "no")
		}
		c.SSEvent("partition", p)
		c.Writer.Flush()
		return ctx.Err()
	})
	if err != nil && !started {
		respondErr(c, err)
		return
	}
	if err != nil && ctx.Err() == nil {
		h.logger.WarnContext(ctx, "feed stream ended",
			slog.Int64("raffle_id", raffleID), slog.Any("err", err))
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: codeBadRequest})
}
