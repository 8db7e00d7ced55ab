package listenkey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"venuestream/config"
	"venuestream/logger"
)

// ErrNoListenKey is returned by Keepalive before a key has been issued.
var ErrNoListenKey = errors.New("no listen key issued")

// Manager holds the current listen key of one user data venue.
type Manager struct {
	cfg config.VenueConfig
	svc Service
	log *logger.Entry

	mu  sync.Mutex
	key string
}

// NewManager returns a manager for cfg backed by svc.
func NewManager(cfg config.VenueConfig, svc Service) *Manager {
	return &Manager{
		cfg: cfg,
		svc: svc,
		log: logger.GetLogger().WithComponent("listen_key").WithFields(logger.Fields{"venue": cfg.ID}),
	}
}

// Endpoint requests a listen key and returns the websocket URL for it. It is
// meant to be used as the session endpoint resolver so every connection
// attempt dials with a valid key.
func (m *Manager) Endpoint(ctx context.Context) (string, error) {
	key, err := m.svc.Start(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	changed := m.key != key
	m.key = key
	m.mu.Unlock()
	if changed {
		m.log.Info("listen key issued")
	}
	return strings.TrimRight(m.cfg.URL, "/") + "/" + key, nil
}

// Key returns the current listen key, if any.
func (m *Manager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Keepalive extends the validity of the current key.
func (m *Manager) Keepalive(ctx context.Context) error {
	key := m.Key()
	if key == "" {
		return ErrNoListenKey
	}
	return m.svc.Keepalive(ctx, key)
}

// Run extends the key every KeepAlive interval until ctx is cancelled. A
// failed keepalive is logged; the next connection attempt issues a new key.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.KeepAlive
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Keepalive(ctx)
			switch {
			case err == nil:
				m.log.Debug("listen key kept alive")
			case errors.Is(err, ErrNoListenKey):
			default:
				m.log.WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}

// Close invalidates the current key.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	key := m.key
	m.key = ""
	m.mu.Unlock()
	if key == "" {
		return nil
	}
	return m.svc.Close(ctx, key)
}
