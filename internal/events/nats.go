package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject governor events travel on.
const DefaultSubject = "dispatchline.events"

// NATSBus shares events between governor instances over core NATS. Delivery
// is at-most-once per subscriber; the poll sweep covers anything lost.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	owned   bool
}

type NATSOption func(*NATSBus)

func WithSubject(subject string) NATSOption {
	return func(b *NATSBus) {
		if subject != "" {
			b.subject = subject
		}
	}
}

func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(b *NATSBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// DialNATS connects to url and returns a bus that owns the connection.
func DialNATS(url string, opts ...NATSOption) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("dispatchline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	b := NewNATSBus(nc, opts...)
	b.owned = true
	return b, nil
}

// NewNATSBus wraps an existing connection; Close leaves it open.
func NewNATSBus(nc *nats.Conn, opts ...NATSOption) *NATSBus {
	b := &NATSBus{conn: nc, subject: DefaultSubject, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *NATSBus) Publish(ctx context.Context, e GovernorEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind(), err)
	}
	return nil
}

// Subscribe fans every event out to h.
func (b *NATSBus) Subscribe(h Handler) (func(), error) {
	return b.subscribe("", h)
}

// SubscribeGroup joins the NATS queue group named group: each event reaches
// exactly one member of the group.
func (b *NATSBus) SubscribeGroup(group string, h Handler) (func(), error) {
	if group == "" {
		return nil, fmt.Errorf("events: empty queue group")
	}
	return b.subscribe(group, h)
}

func (b *NATSBus) subscribe(group string, h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("events: nil handler")
	}
	cb := func(msg *nats.Msg) {
		ev, err := Unmarshal(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed event", "subject", msg.Subject, "err", err)
			return
		}
		dispatch(context.Background(), b.logger, h, ev)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = b.conn.QueueSubscribe(b.subject, group, cb)
	} else {
		sub, err = b.conn.Subscribe(b.subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			b.logger.Warn("nats unsubscribe failed", "err", err)
		}
	}, nil
}

// Close drains the connection when the bus dialed it.
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.conn.Drain()
}

// EmbeddedNATS is an in-process NATS server for single-binary deployments
// and tests.
type EmbeddedNATS struct {
	server *server.Server
}

// StartEmbeddedNATS starts a server on host:port. Port -1 picks a free port.
func StartEmbeddedNATS(host string, port int) (*EmbeddedNATS, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "dispatchline",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within 10 seconds")
	}
	return &EmbeddedNATS{server: ns}, nil
}

// ClientURL is the URL clients dial.
func (e *EmbeddedNATS) ClientURL() string {
	return e.server.ClientURL()
}

func (e *EmbeddedNATS) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
