package notify

import (
	"context"
	"log/slog"

	"github.com/kirinyoku/raffle-go/internal/domain"
)

type MessageType string

const (
	PurchaseConfirmed MessageType = "purchase_confirmed"
	ChargeFailed      MessageType = "charge_failed"
	HoldExpired       MessageType = "hold_expired"
)

// Message is what the buyer's session receives.
type Message struct {
	Type      MessageType `json:"type"`
	RaffleID  int64       `json:"raffle_id"`
	ChargeRef string      `json:"charge_ref,omitempty"`
	Numbers   []int       `json:"numbers,omitempty"`
	Lost      []int       `json:"lost,omitempty"`
}

func Confirmed(raffleID int64, o domain.ConfirmOutcome) Message {
	return Message{
		Type:      PurchaseConfirmed,
		RaffleID:  raffleID,
		ChargeRef: o.ChargeRef,
		Numbers:   o.Sold,
		Lost:      o.Lost,
	}
}

// Notifier delivers messages to a buyer identified by holder reference.
type Notifier interface {
	Notify(ctx context.Context, holderRef string, msg Message) error
}

// LogNotifier writes messages to the log. Used when no push service is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, holderRef string, msg Message) error {
	n.logger.InfoContext(ctx, "buyer notification",
		slog.String("holder_ref", holderRef),
		slog.String("type", string(msg.Type)),
		slog.Int64("raffle_id", msg.RaffleID),
		slog.String("charge_ref", msg.ChargeRef),
		slog.Any("numbers", msg.Numbers),
	)
	return nil
}
