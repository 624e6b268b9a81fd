package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Notification is the externally visible shape of a settled payment.
type Notification struct {
	OwnerID          string `json:"owner_id"`
	BackendAccountID string `json:"backend_account_id"`
	PaymentHash      string `json:"payment_hash"`
	AmountMsat       int64  `json:"amount_msat"`
	Memo             string `json:"memo,omitempty"`
}

// Sink receives settled-payment notifications. Notify is called from a
// per-owner execution context, so implementations see events for one
// owner in order but may run concurrently across owners.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

const (
	notificationStream  = "LN_WALLET_EVENTS"
	notificationSubject = "ln.wallet.payments.settled"
)

// NATSSink republishes settled payments on JetStream so downstream
// consumers (bots, webhooks, accounting) do not need their own backend
// subscription.
type NATSSink struct {
	js nats.JetStreamContext
}

func NewNATSSink(js nats.JetStreamContext) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	// Payment hash as the message id gives broker-side dedup on top of
	// the monitor's own.
	_, err = s.js.Publish(notificationSubject, data,
		nats.MsgId(n.PaymentHash),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// EnsureNotificationStream creates the events stream if it does not
// exist yet.
func EnsureNotificationStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(notificationStream)
	if err == nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      notificationStream,
		Subjects:  []string{"ln.wallet.payments.>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    72 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", notificationStream, err)
	}
	return nil
}
