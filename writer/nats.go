package writer

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	appconfig "venuestream/config"
	"venuestream/internal/hub"
	"venuestream/logger"
)

type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes every envelope on a single subject. The sink reports
// itself closed once the connection is permanently closed.
type NATSSink struct {
	cfg  appconfig.NATSSinkConfig
	conn publisher
	log  *logger.Entry

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewNATSSink connects to cfg.URL. The client reconnects on its own; only a
// closed connection ends the sink.
func NewNATSSink(cfg appconfig.NATSSinkConfig) (*NATSSink, error) {
	ns := newNATSSink(cfg, nil)
	nc, err := nats.Connect(cfg.URL,
		nats.Name("venuestream"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				ns.log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			ns.log.WithFields(logger.Fields{"url": c.ConnectedUrl()}).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) { ns.markClosed() }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	ns.conn = nc
	ns.log.Debug("nats sink initialized")
	return ns, nil
}

func newNATSSink(cfg appconfig.NATSSinkConfig, conn publisher) *NATSSink {
	return &NATSSink{
		cfg:  cfg,
		conn: conn,
		log:  logger.GetLogger().WithComponent("nats_sink").WithFields(logger.Fields{"subject": cfg.Subject}),
		done: make(chan struct{}),
	}
}

func (n *NATSSink) ID() string { return "nats-" + n.cfg.Subject }

func (n *NATSSink) Send(msg []byte) error {
	if !n.IsOpen() {
		return hub.ErrSinkClosed
	}
	return n.conn.Publish(n.cfg.Subject, msg)
}

func (n *NATSSink) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed
}

func (n *NATSSink) Done() <-chan struct{} { return n.done }

// Close drains pending publishes and closes the connection.
func (n *NATSSink) Close() error {
	if !n.markClosed() {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.log.WithError(err).Warn("failed to drain nats connection")
		return err
	}
	n.log.Debug("nats sink stopped")
	return nil
}

func (n *NATSSink) markClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.closed = true
	close(n.done)
	return true
}
