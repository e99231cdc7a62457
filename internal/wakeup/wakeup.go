// Package wakeup publishes and subscribes to a lightweight "poll now"
// signal over NATS. It merges the teacher's internal/queue/nats (connection
// lifecycle, reconnect handling) and internal/messaging/nats (the simpler
// single-subject Queue shape) into one package, repurposed from "deliver
// this SMS" job payloads to a payload-free wake hint: the signal carries a
// messageId only so an operator tailing the subject can correlate it with a
// log line, but no subscriber needs it to do its job. Every message and all
// state live in Postgres (see internal/store); losing every subscriber only
// delays the next scheduled poll, it never drops work.
package wakeup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject is the single NATS subject carrying wake signals.
const Subject = "workbuffer.wake"

// Signal is the payload published on Subject. MessageID is a hint for
// operators and logs only; it is never required for correctness.
type Signal struct {
	MessageID uuid.UUID `json:"messageId"`
}

// Connect dials natsURL with the teacher's reconnect posture: infinite
// reconnect attempts with a fixed backoff, since a wake signal is a latency
// optimization and the process should keep trying rather than give up.
func Connect(natsURL string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("workbuffer"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))
	return conn, nil
}

// Publisher fire-and-forgets wake signals onto Subject.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewPublisher(conn *nats.Conn, logger *zap.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish sends a wake signal hinting at messageID. Failures are logged
// and swallowed: a dropped publish only costs the latency of the next
// scheduled poll, so it must never propagate back to the caller of
// Enqueue.
func (p *Publisher) Publish(messageID uuid.UUID) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(Signal{MessageID: messageID})
	if err != nil {
		p.logger.Warn("wakeup: failed to marshal signal", zap.Error(err))
		return
	}
	if err := p.conn.Publish(Subject, data); err != nil {
		p.logger.Debug("wakeup: failed to publish signal", zap.Error(err))
		return
	}
	p.logger.Debug("wakeup: published signal", zap.String("messageId", messageID.String()))
}

// Subscriber invokes onWake for every signal observed on Subject,
// including signals this same process published (that's harmless: the
// Coordinator's wake channel is a single-slot non-blocking send).
type Subscriber struct {
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewSubscriber subscribes conn to Subject and calls onWake for each
// received signal. onWake must not block.
func NewSubscriber(conn *nats.Conn, logger *zap.Logger, onWake func(messageID uuid.UUID)) (*Subscriber, error) {
	sub, err := conn.Subscribe(Subject, func(msg *nats.Msg) {
		var sig Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			logger.Warn("wakeup: failed to unmarshal signal", zap.Error(err))
			return
		}
		onWake(sig.MessageID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Subject, err)
	}
	return &Subscriber{sub: sub, logger: logger}, nil
}

func (s *Subscriber) Close() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// HealthCheck reports whether conn is currently connected.
func HealthCheck(ctx context.Context, conn *nats.Conn) error {
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats not connected, status: %v", conn.Status())
	}
	return nil
}
