// Package hub fans canonical events out to listener sinks.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"venuestream/logger"
	"venuestream/models"
)

var (
	// ErrSinkClosed is returned by a sink that no longer accepts messages.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull is returned by a sink whose outbound buffer is full.
	ErrSinkFull = errors.New("sink buffer full")
)

// Sink is a downstream listener. Implementations must be comparable, since
// the hub tracks sinks by identity; pointer receivers satisfy this.
type Sink interface {
	// ID names the sink in logs.
	ID() string
	// Send delivers one encoded envelope. It must not block on a slow peer.
	Send(msg []byte) error
	// IsOpen reports whether the sink still accepts messages.
	IsOpen() bool
	// Done is closed when the sink closes or fails. It may return nil.
	Done() <-chan struct{}
}

// Observer is notified of hub activity.
type Observer interface {
	Delivered(hub string, sinks int)
	SinkRemoved(hub, reason string)
	SinkCount(hub string, n int)
}

type nopObserver struct{}

func (nopObserver) Delivered(string, int)      {}
func (nopObserver) SinkRemoved(string, string) {}
func (nopObserver) SinkCount(string, int)      {}

type attachment struct {
	stop chan struct{}
}

// Hub is a concurrency safe set of sinks. One hub may be shared by several
// stream sessions. It holds non-owning references: a sink that fails or
// closes is dropped from the set but never closed by the hub.
type Hub struct {
	name     string
	log      *logger.Entry
	observer Observer

	mu    sync.RWMutex
	sinks map[Sink]*attachment
}

// New returns an empty hub. name labels its logs and metrics.
func New(name string) *Hub {
	return &Hub{
		name:     name,
		log:      logger.GetLogger().WithComponent("broadcast_hub").WithFields(logger.Fields{"hub": name}),
		observer: nopObserver{},
		sinks:    make(map[Sink]*attachment),
	}
}

// SetObserver replaces the activity observer. It must be called before the
// hub is used.
func (h *Hub) SetObserver(o Observer) {
	if o != nil {
		h.observer = o
	}
}

// Name returns the hub label.
func (h *Hub) Name() string { return h.name }

// Attach adds sink to the set. Attaching a sink that is already present is a
// no-op and returns false. When the sink exposes a Done channel it is
// detached as soon as that channel closes.
func (h *Hub) Attach(sink Sink) bool {
	if sink == nil {
		return false
	}
	h.mu.Lock()
	if _, ok := h.sinks[sink]; ok {
		h.mu.Unlock()
		return false
	}
	a := &attachment{stop: make(chan struct{})}
	h.sinks[sink] = a
	n := len(h.sinks)
	h.mu.Unlock()

	h.observer.SinkCount(h.name, n)
	h.log.WithFields(logger.Fields{"sink": sink.ID(), "sinks": n}).Info("sink attached")

	if done := sink.Done(); done != nil {
		go func() {
			select {
			case <-done:
				if h.remove(sink, a) {
					h.observer.SinkRemoved(h.name, "closed")
					h.log.WithFields(logger.Fields{"sink": sink.ID()}).Info("sink closed, detached")
				}
			case <-a.stop:
			}
		}()
	}
	return true
}

// Detach removes sink from the set and reports whether it was present.
func (h *Hub) Detach(sink Sink) bool {
	h.mu.RLock()
	a, ok := h.sinks[sink]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.remove(sink, a)
}

// remove deletes sink only while it is still tracked by attachment a, so a
// stale removal never drops a later re-attach of the same sink.
func (h *Hub) remove(sink Sink, a *attachment) bool {
	h.mu.Lock()
	cur, ok := h.sinks[sink]
	if !ok || cur != a {
		h.mu.Unlock()
		return false
	}
	delete(h.sinks, sink)
	close(a.stop)
	n := len(h.sinks)
	h.mu.Unlock()

	h.observer.SinkCount(h.name, n)
	return true
}

// Count returns the number of attached sinks.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Clear detaches every sink.
func (h *Hub) Clear() {
	h.mu.Lock()
	for sink, a := range h.sinks {
		close(a.stop)
		delete(h.sinks, sink)
	}
	h.mu.Unlock()
	h.observer.SinkCount(h.name, 0)
}

// Broadcast encodes ev once and delivers it to every sink attached when the
// call starts. Sinks that are closed or fail to send are removed after the
// pass; the remaining sinks still receive the event. A panic in Send counts
// as a failure. Failed sends are not retried.
func (h *Hub) Broadcast(ev models.Event) {
	if ev == nil {
		return
	}
	payload, err := json.Marshal(models.EnvelopeFor(ev))
	if err != nil {
		h.log.WithError(err).WithFields(logger.Fields{"venue": ev.VenueID()}).Error("failed to encode event")
		return
	}

	h.mu.RLock()
	snapshot := make(map[Sink]*attachment, len(h.sinks))
	for sink, a := range h.sinks {
		snapshot[sink] = a
	}
	h.mu.RUnlock()

	type removal struct {
		sink   Sink
		a      *attachment
		reason string
	}
	var removals []removal
	delivered := 0
	for sink, a := range snapshot {
		if !sink.IsOpen() {
			removals = append(removals, removal{sink, a, "closed"})
			continue
		}
		if err := send(sink, payload); err != nil {
			h.log.WithError(err).WithFields(logger.Fields{"sink": sink.ID(), "venue": ev.VenueID()}).Warn("send failed, removing sink")
			removals = append(removals, removal{sink, a, "send_error"})
			continue
		}
		delivered++
	}

	for _, r := range removals {
		if h.remove(r.sink, r.a) {
			h.observer.SinkRemoved(h.name, r.reason)
		}
	}
	h.observer.Delivered(h.name, delivered)
	if len(removals) > 0 {
		h.log.WithFields(logger.Fields{"removed": len(removals), "delivered": delivered}).Info("pruned sinks")
	}
}

// send delivers payload to sink, reporting a panic in Send as an error.
func send(sink Sink, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Send(payload)
}
