// Package eventbus subscribes to external payment-confirmation events.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PaymentConfirmed is the payload published when a request's payment
// clears and the track becomes eligible for playback.
type PaymentConfirmed struct {
	RequestID string `json:"request_id"`
	Tenant    string `json:"tenant"`
}

// ConfirmFunc is called for each confirmation; it marks the request
// confirmed and kicks reconciliation.
type ConfirmFunc func(ctx context.Context, ev PaymentConfirmed) error

// PaymentSubscriber listens on a NATS subject for payment confirmations.
type PaymentSubscriber struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// NewPaymentSubscriber connects to NATS. The connection retries in the
// background, so a broker that is briefly down at startup is tolerated.
func NewPaymentSubscriber(url, subject string, logger zerolog.Logger) (*PaymentSubscriber, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}

	return &PaymentSubscriber{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "payment_events").Logger(),
	}, nil
}

// Start subscribes and dispatches confirmations until Close.
func (s *PaymentSubscriber) Start(ctx context.Context, confirm ConfirmFunc) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		var ev PaymentConfirmed
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn().Err(err).Msg("malformed payment confirmation")
			return
		}
		if ev.RequestID == "" {
			s.logger.Warn().Msg("payment confirmation without request_id")
			return
		}
		if ev.Tenant == "" {
			ev.Tenant = "global"
		}

		handleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := confirm(handleCtx, ev); err != nil {
			s.logger.Error().Str("request", ev.RequestID).Err(err).
				Msg("payment confirmation handling failed")
			return
		}
		s.logger.Info().Str("request", ev.RequestID).Str("tenant", ev.Tenant).
			Msg("payment confirmed, request eligible")
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to payment subject")
	}
	s.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (s *PaymentSubscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.conn.Close()
}
