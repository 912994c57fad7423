package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/telemetry"
)

// NATSBus implements Bus on top of NATS JetStream. JetStream (rather than
// core NATS pub/sub) is required to satisfy spec §4.A's durability and
// retention guarantees: publishes are only acked once written to the
// stream, and durable consumers redeliver unacked messages after restart.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger
	config config.NATSConfig
	stream string
}

// NewNATSBus connects to NATS, ensures the configured JetStream stream
// exists with the given retention policy, and returns a ready Bus.
func NewNATSBus(cfg config.NATSConfig, mb config.MessageBusConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	streamName := mb.StreamName
	if streamName == "" {
		streamName = "AGENTSQUAD"
	}

	streamCfg := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"agent.msg.>", "conv.>", "state.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxMsgs:   int64(mb.RetentionMessages),
		MaxAge:    time.Duration(mb.RetentionAgeSec) * time.Second,
	}
	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(streamCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}
	} else {
		if _, err := js.UpdateStream(streamCfg); err != nil {
			log.Warn("failed to update stream config", zap.Error(err))
		}
	}

	log.Info("connected to NATS JetStream", zap.String("url", cfg.URL), zap.String("stream", streamName))
	return &NATSBus{conn: conn, js: js, logger: log, config: cfg, stream: streamName}, nil
}

// Publish writes msg to the stream with its ID as the JetStream dedup key
// (the "Nats-Msg-Id" header), so a retried Publish of the same message.id
// is deduplicated server-side within the stream's dedup window, and waits
// for the durable-write ack before returning.
func (b *NATSBus) Publish(ctx context.Context, subject string, msg *domain.AgentMessage) error {
	ctx, span := telemetry.TracePublish(ctx, subject, string(msg.Type))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	natsMsg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	natsMsg.Header.Set(nats.MsgIdHdr, msg.ID)

	_, err = b.js.PublishMsg(natsMsg, nats.Context(ctx))
	if err != nil {
		b.logger.Error("failed to publish message",
			zap.String("subject", subject),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	b.logger.Debug("published message", zap.String("subject", subject), zap.String("message_id", msg.ID))
	return nil
}

// Subscribe creates a durable JetStream push consumer on subject. Messages
// are acked only after handler returns nil; an error naks the message so
// JetStream redelivers it, and a crash leaves it pending for redelivery
// once the consumer's ack wait elapses.
func (b *NATSBus) Subscribe(subject, durableName string, handler Handler) (Subscription, error) {
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
	}
	if durableName != "" {
		opts = append(opts, nats.Durable(sanitizeDurable(durableName)))
	}

	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		var msg domain.AgentMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message", zap.String("subject", m.Subject), zap.Error(err))
			_ = m.Nak()
			return
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("message handler failed",
				zap.String("subject", m.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Info("subscribed", zap.String("subject", subject), zap.String("durable", durableName))
	return &natsSubscription{sub: sub}, nil
}

// Stats reports the JetStream stream's persisted state.
func (b *NATSBus) Stats() (Stats, error) {
	info, err := b.js.StreamInfo(b.stream)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to fetch stream info: %w", err)
	}
	return Stats{
		MessagesStored: int64(info.State.Msgs),
		BytesStored:    int64(info.State.Bytes),
		Subscribers:    int(info.State.Consumers),
		StreamCount:    1,
	}, nil
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
		return err
	}
	b.logger.Info("NATS connection closed")
	return nil
}

// IsConnected reports whether the underlying NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

// natsSubscription adapts a *nats.Subscription to the Subscription interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// sanitizeDurable strips characters JetStream rejects in durable consumer
// names (only alphanumerics, `-` and `_` are allowed).
func sanitizeDurable(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
