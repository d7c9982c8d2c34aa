package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	defaultQueueGroup = "heron-workers"

	// traceHeader mirrors the request trace onto the NATS message so
	// subscribers that do not decode the envelope can still correlate.
	traceHeader = "Heron-Trace-Id"
)

// NATSBus implements EventBus on NATS core subjects. Analysis requests are
// delivered through a queue group so each one is run by a single replica;
// completions and alerts fan out to every subscriber.
type NATSBus struct {
	mu     sync.RWMutex
	conn   *nats.Conn
	subs   map[string]*natsSubscription
	queue  string
	logger *slog.Logger
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus dials cfg.NATSUrl. The initial dial is retried on the same
// budget as reconnects.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.NATSQueueGroup == "" {
		cfg.NATSQueueGroup = defaultQueueGroup
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	logger := slog.Default().With("component", "nats")

	opts := []nats.Option{
		nats.Name("heron"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("async error", "subject", sub.Subject, "error", err)
				return
			}
			logger.Error("async error", "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, opts...); err == nil {
			break
		}
		logger.Warn("connect failed", "attempt", attempt, "error", err)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	logger.Info("connected", "url", conn.ConnectedUrl(), "queue_group", cfg.NATSQueueGroup)
	return &NATSBus{
		conn:   conn,
		subs:   make(map[string]*natsSubscription),
		queue:  cfg.NATSQueueGroup,
		logger: logger,
	}, nil
}

// Publish sends a JSON envelope to Subject(target, topic).
func (b *NATSBus) Publish(ctx context.Context, target string, topic string, payload []byte) error {
	if target == "" {
		return ErrTargetRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := newMessage(target, topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	out := nats.NewMsg(Subject(target, topic))
	out.Data = data
	if id := requestTrace(topic, payload); id != "" {
		out.Header.Set(traceHeader, id)
	}
	return b.conn.PublishMsg(out)
}

// Subscribe registers handler for topic on target. Requests join the
// bus queue group.
func (b *NATSBus) Subscribe(ctx context.Context, target string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if target == "" {
		return nil, ErrTargetRequired
	}

	subject := Subject(target, topic)
	cb := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			b.logger.Error("handler failed",
				"subject", m.Subject,
				"message_id", msg.ID,
				"trace_id", m.Header.Get(traceHeader),
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if topic == domain.TopicAnalysisRequested {
		ns, err = b.conn.QueueSubscribe(subject, b.queue, cb)
	} else {
		ns, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{id: uuid.NewString(), topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains every subscription, then the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.sub.Drain(); err != nil {
			b.logger.Warn("drain failed", "topic", s.topic, "error", err)
		}
	}
	return b.conn.Drain()
}

// Subject maps a target and topic to a NATS subject, e.g.
// heron.analysis.requested.prod.
func Subject(target, topic string) string {
	return topic + "." + target
}

// requestTrace pulls the trace ID out of request payloads.
func requestTrace(topic string, payload []byte) string {
	if topic != domain.TopicAnalysisRequested {
		return ""
	}
	var req domain.AnalysisRequest
	if json.Unmarshal(payload, &req) != nil {
		return ""
	}
	return req.TraceID
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
