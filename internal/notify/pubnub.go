package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pubnub "github.com/pubnub/go"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

// PubNubNotifier publishes to the buyer's private channel "buyer-<holder_ref>".
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(cfg PubNubConfig) (*PubNubNotifier, error) {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("notify.NewPubNubNotifier: publish and subscribe keys are required")
	}

	pnCfg := pubnub.NewConfig()
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey
	pnCfg.UUID = cfg.UserID

	return &PubNubNotifier{pn: pubnub.NewPubNub(pnCfg)}, nil
}

func (n *PubNubNotifier) Notify(ctx context.Context, holderRef string, msg Message) error {
	const op = "notify.PubNubNotifier.Notify"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, _, err = n.pn.Publish().
		Channel(BuyerChannel(holderRef)).
		Message(string(payload)).
		Execute()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// BuyerChannel maps a holder reference to a PubNub channel name. Letters,
// digits and '-' pass through; every other byte, '_' included, becomes
// "_" plus two hex digits, so distinct refs never share a channel.
func BuyerChannel(holderRef string) string {
	var b strings.Builder
	b.WriteString("buyer-")

	for i := 0; i < len(holderRef); i++ {
		c := holderRef[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}

	return b.String()
}
