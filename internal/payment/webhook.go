package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kirinyoku/raffle-go/internal/domain"
)

var (
	ErrBadSignature    = errors.New("invalid webhook signature")
	ErrBadNotification = errors.New("invalid webhook notification")
)

// Notification is a provider push about one charge. Status is whatever the
// body claimed, empty when absent; it is not covered by the signature.
type Notification struct {
	Ref    string
	Status domain.ChargeStatus
}

type notificationBody struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
	Status string `json:"status"`
}

func ParseNotification(body []byte) (Notification, error) {
	var nb notificationBody
	if err := json.Unmarshal(body, &nb); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrBadNotification, err)
	}

	if nb.Data.ID == "" {
		return Notification{}, fmt.Errorf("%w: missing data.id", ErrBadNotification)
	}

	n := Notification{Ref: string(nb.Data.ID)}
	if nb.Status != "" {
		n.Status = MapStatus(nb.Status)
	}

	return n, nil
}

// Verifier checks the x-signature header of provider pushes:
// "ts=<unix>,v1=<hex hmac-sha256>" over "id:<ref>;request-id:<x-request-id>;ts:<ts>;".
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
}

// NewVerifier returns a verifier. A zero maxSkew disables the timestamp
// window check.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

func (v *Verifier) Verify(header, requestID, ref string, now time.Time) error {
	if !v.Enabled() {
		return nil
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = val
		case "v1":
			sig = val
		}
	}

	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed header", ErrBadSignature)
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}

	if !hmac.Equal(got, v.sign(ts, requestID, ref)) {
		return ErrBadSignature
	}

	if v.maxSkew > 0 {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
		}
		if sec > 1e12 {
			sec /= 1000
		}
		skew := now.Sub(time.Unix(sec, 0))
		if skew < -v.maxSkew || skew > v.maxSkew {
			return fmt.Errorf("%w: timestamp outside window", ErrBadSignature)
		}
	}

	return nil
}

// Sign renders a header value for ref. Used by tests and local tooling.
func (v *Verifier) Sign(ts time.Time, requestID, ref string) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "ts=" + t + ",v1=" + hex.EncodeToString(v.sign(t, requestID, ref))
}

func (v *Verifier) sign(ts, requestID, ref string) []byte {
	manifest := "id:" + strings.ToLower(ref) + ";request-id:" + requestID + ";ts:" + ts + ";"
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}
