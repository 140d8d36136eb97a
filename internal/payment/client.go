package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/raffle-go/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL         string
	AccessToken     string
	NotificationURL string
	Timeout         time.Duration
}

// Client talks to a PIX payments API (Mercado Pago compatible).
type Client struct {
	baseURL         string
	token           string
	notificationURL string
	http            *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		token:           cfg.AccessToken,
		notificationURL: cfg.NotificationURL,
		http:            &http.Client{Timeout: timeout},
	}
}

type createPaymentRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Description       string      `json:"description"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Payer             payer       `json:"payer"`
	ExternalReference string      `json:"external_reference,omitempty"`
	NotificationURL   string      `json:"notification_url,omitempty"`
	DateOfExpiration  string      `json:"date_of_expiration,omitempty"`
}

type payer struct {
	Email          string          `json:"email"`
	FirstName      string          `json:"first_name,omitempty"`
	Identification *identification `json:"identification,omitempty"`
}

type identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type paymentResponse struct {
	ID                 flexibleID `json:"id"`
	Status             string     `json:"status"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// flexibleID accepts both numeric and string identifiers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())

	return nil
}

func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (CreatedCharge, error) {
	const op = "payment.Client.CreateCharge"

	if req.AmountCents <= 0 {
		return CreatedCharge{}, fmt.Errorf("%s:%w", op, &Error{Kind: KindBadRequest, Message: "amount must be positive"})
	}

	body := createPaymentRequest{
		TransactionAmount: json.Number(decimal.New(req.AmountCents, -2).StringFixed(2)),
		Description:       req.Description,
		PaymentMethodID:   "pix",
		Payer: payer{
			Email:     req.Buyer.Email,
			FirstName: req.Buyer.Name,
		},
		ExternalReference: req.ExternalReference,
		NotificationURL:   c.notificationURL,
	}
	if req.Buyer.Document != "" {
		body.Payer.Identification = &identification{Type: "CPF", Number: req.Buyer.Document}
	}
	if !req.ExpiresAt.IsZero() {
		body.DateOfExpiration = req.ExpiresAt.Format("2006-01-02T15:04:05.000-07:00")
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return CreatedCharge{}, fmt.Errorf("%s:%w", op, err)
	}

	if resp.ID == "" {
		return CreatedCharge{}, fmt.Errorf("%s:%w", op, &Error{Kind: KindNetwork, Message: "response without payment id"})
	}

	return CreatedCharge{
		Ref:       string(resp.ID),
		Status:    MapStatus(resp.Status),
		QRPayload: resp.PointOfInteraction.TransactionData.QRCode,
		QRImage:   resp.PointOfInteraction.TransactionData.QRCodeBase64,
	}, nil
}

func (c *Client) ChargeStatus(ctx context.Context, ref string) (domain.ChargeStatus, error) {
	const op = "payment.Client.ChargeStatus"

	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+ref, nil, &resp); err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return MapStatus(resp.Status), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.token == "" {
		return &Error{Kind: KindConfig, Message: "missing access token"}
	}
	if c.baseURL == "" {
		return &Error{Kind: KindConfig, Message: "missing base url"}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindBadRequest, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Kind: KindConfig, Message: "build request", Err: err}
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
		}
	}

	return nil
}

func classifyStatus(code int, body []byte) error {
	msg := http.StatusText(code)

	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil {
		switch {
		case ae.Message != "":
			msg = ae.Message
		case ae.Error != "":
			msg = ae.Error
		}
	}

	kind := KindNetwork
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAuth
	case code == http.StatusNotFound:
		// An unknown payment id is a caller mistake, not an outage.
		kind = KindBadRequest
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout:
		kind = KindBadRequest
	}

	return &Error{Kind: kind, StatusCode: code, Message: msg}
}

var _ Provider = (*Client)(nil)

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}
