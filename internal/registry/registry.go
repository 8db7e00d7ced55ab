// Package registry owns one stream session per configured venue and
// coordinates their lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"venuestream/internal/hub"
	"venuestream/internal/stream"
	"venuestream/logger"
)

// ErrUnknownVenue is returned for a venue id that is not registered.
var ErrUnknownVenue = errors.New("unknown venue")

// Entry binds a session to the hub it broadcasts to.
type Entry struct {
	Session *stream.Session
	Hub     *hub.Hub
}

// VenueStatus is the per venue part of Status.
type VenueStatus struct {
	Connected         bool     `json:"connected"`
	SinkCount         int      `json:"sinkCount"`
	State             string   `json:"state"`
	ReconnectAttempts int      `json:"reconnectAttempts"`
	Subscriptions     []string `json:"subscriptions,omitempty"`
}

// Status aggregates the state of every venue.
type Status struct {
	Initialized bool                   `json:"isInitialized"`
	Venues      map[string]VenueStatus `json:"venues"`
}

// Registry coordinates the sessions of all venues. It is constructed
// explicitly and passed to whatever needs it.
type Registry struct {
	entries []Entry
	byVenue map[string]Entry
	log     *logger.Entry

	mu          sync.Mutex
	initialized bool
	shutdown    bool
}

// New builds a registry over entries. Venue ids must be unique.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byVenue: make(map[string]Entry, len(entries)),
		log:     logger.GetLogger().WithComponent("session_registry"),
	}
	for _, e := range entries {
		if e.Session == nil || e.Hub == nil {
			return nil, fmt.Errorf("registry entry requires a session and a hub")
		}
		id := e.Session.VenueID()
		if _, dup := r.byVenue[id]; dup {
			return nil, fmt.Errorf("venue '%s' registered more than once", id)
		}
		r.byVenue[id] = e
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// InitializeAll connects every session concurrently and returns once each has
// completed its first connection attempt. Failed attempts are logged, keep
// retrying in the background and do not fail the call; the registry is
// initialized either way.
func (r *Registry) InitializeAll(ctx context.Context) {
	start := time.Now()
	var g errgroup.Group
	for _, e := range r.entries {
		session := e.Session
		g.Go(func() error {
			if err := session.Connect(ctx); err != nil {
				r.log.WithError(err).WithFields(logger.Fields{"venue": session.VenueID()}).Warn("initial connection attempt failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.initialized = true
	r.shutdown = false
	r.mu.Unlock()

	r.log.WithFields(logger.Fields{
		"venues":   len(r.entries),
		"duration": time.Since(start).String(),
	}).Info("all sessions initialized")
}

// AttachSink attaches sink to the hub of every venue. A hub shared by several
// venues is attached once.
func (r *Registry) AttachSink(sink hub.Sink) {
	for _, h := range r.hubs() {
		h.Attach(sink)
	}
}

// DetachSink removes sink from every hub.
func (r *Registry) DetachSink(sink hub.Sink) {
	for _, h := range r.hubs() {
		h.Detach(sink)
	}
}

func (r *Registry) hubs() []*hub.Hub {
	seen := make(map[*hub.Hub]struct{}, len(r.entries))
	out := make([]*hub.Hub, 0, len(r.entries))
	for _, e := range r.entries {
		if _, ok := seen[e.Hub]; ok {
			continue
		}
		seen[e.Hub] = struct{}{}
		out = append(out, e.Hub)
	}
	return out
}

// Session returns the session of venue.
func (r *Registry) Session(venue string) (*stream.Session, bool) {
	e, ok := r.byVenue[venue]
	return e.Session, ok
}

// Connect explicitly connects the session of venue. It is the only way out of
// FAILED.
func (r *Registry) Connect(ctx context.Context, venue string) error {
	session, ok := r.Session(venue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return session.Connect(ctx)
}

func (r *Registry) Subscribe(ctx context.Context, venue, streamID string) error {
	session, ok := r.Session(venue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return session.Subscribe(ctx, streamID)
}

func (r *Registry) Unsubscribe(ctx context.Context, venue, streamID string) error {
	session, ok := r.Session(venue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return session.Unsubscribe(ctx, streamID)
}

// Venues returns the registered venue ids in sorted order.
func (r *Registry) Venues() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.byVenue {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status reports connectivity and sink counts per venue.
func (r *Registry) Status() Status {
	r.mu.Lock()
	initialized := r.initialized
	r.mu.Unlock()

	st := Status{Initialized: initialized, Venues: make(map[string]VenueStatus, len(r.entries))}
	for _, e := range r.entries {
		snap := e.Session.Snapshot()
		st.Venues[snap.Venue] = VenueStatus{
			Connected:         snap.State == stream.StateConnected,
			SinkCount:         e.Hub.Count(),
			State:             snap.State.String(),
			ReconnectAttempts: snap.ReconnectAttempts,
			Subscriptions:     snap.Subscriptions,
		}
	}
	return st
}

// ShutdownAll disconnects every session concurrently and clears all sinks.
// Calling it again is a no-op. It returns ctx's error if ctx ends before every
// session has stopped.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var g errgroup.Group
		for _, e := range r.entries {
			session := e.Session
			g.Go(func() error {
				session.Disconnect()
				return nil
			})
		}
		_ = g.Wait()
		for _, h := range r.hubs() {
			h.Clear()
		}
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("all sessions shut down")
		return nil
	case <-ctx.Done():
		r.log.WithError(ctx.Err()).Warn("shutdown interrupted")
		return ctx.Err()
	}
}
