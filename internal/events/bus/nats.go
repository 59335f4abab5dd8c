package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
)

// NATSEventBus carries events over a NATS connection so surfaces can run in
// separate processes. Delivery semantics on the subscriber side match the
// memory bus: bounded queue, drop-oldest, marker before the next delivery.
type NATSEventBus struct {
	conn      *nats.Conn
	logger    *logger.Logger
	queueSize int
}

type natsSubscription struct {
	sub   *nats.Subscription
	inner *memorySubscription
	log   *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(cfg config.EventBusConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name("autorunner"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errs.Internal("connect to nats", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &NATSEventBus{conn: conn, logger: log, queueSize: queueSize}, nil
}

// Publish sends an event to a subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errs.Internal("marshal event", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("publish failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return errs.Internal("publish event", err)
	}
	return nil
}

// Subscribe bridges a NATS subscription into the channel contract. NATS
// delivers into the same bounded queue the memory bus uses, so overflow
// behavior is identical.
func (b *NATSEventBus) Subscribe(ctx context.Context, subject string, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(opts)
	if o.queueSize == DefaultQueueSize && b.queueSize != DefaultQueueSize {
		o.queueSize = b.queueSize
	}

	inner := &memorySubscription{
		subject: subject,
		ch:      make(chan *Event),
		cap:     o.queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go inner.pump()

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		inner.enqueue(&event)
	})
	if err != nil {
		inner.stop()
		return nil, errs.Internal("subscribe to "+subject, err)
	}

	ns := &natsSubscription{sub: sub, inner: inner, log: b.logger}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				ns.Unsubscribe()
			case <-inner.done:
			}
		}()
	}
	return ns, nil
}

func (s *natsSubscription) C() <-chan *Event { return s.inner.ch }

func (s *natsSubscription) Unsubscribe() {
	if err := s.sub.Unsubscribe(); err != nil && s.log != nil {
		s.log.Debug("nats unsubscribe", zap.Error(err))
	}
	s.inner.stop()
}

// Close drains pending messages before closing the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining nats connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("nats connection closed")
}

// IsConnected reports connection status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
