// Package stream implements the per-venue streaming session: one websocket
// connection to one venue endpoint, kept alive by a connect, reconnect and
// heartbeat state machine. Inbound messages are normalized and broadcast to
// the bound hub.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"venuestream/config"
	"venuestream/internal/normalizer"
	"venuestream/logger"
	"venuestream/models"
)

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// Broadcaster receives the canonical events produced by a session.
type Broadcaster interface {
	Broadcast(ev models.Event)
}

// Observer is notified of session activity. Calls are made synchronously and
// must not block.
type Observer interface {
	StateChanged(venue string, state State)
	ReconnectScheduled(venue string, attempt int, delay time.Duration)
	MessageReceived(venue string, size int)
	ProtocolError(venue string, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, State)                    {}
func (nopObserver) ReconnectScheduled(string, int, time.Duration) {}
func (nopObserver) MessageReceived(string, int)                   {}
func (nopObserver) ProtocolError(string, error)                   {}

// EndpointFunc resolves the URL to dial for each connection attempt.
type EndpointFunc func(ctx context.Context) (string, error)

// Option configures a Session.
type Option func(*Session)

// WithEndpoint resolves the dial URL per attempt instead of using the
// configured URL, e.g. to append a freshly issued listen key.
func WithEndpoint(fn EndpointFunc) Option {
	return func(s *Session) { s.endpoint = fn }
}

// WithObserver registers an activity observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// Snapshot is a point in time view of a session.
type Snapshot struct {
	Venue             string
	State             State
	ReconnectAttempts int
	Subscriptions     []string
	LastHeartbeatAck  time.Time
}

type controlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Session owns at most one live connection to a venue. All state is guarded
// by mu; scheduled tasks and reader goroutines re-check that they still own
// the session state they act on, so nothing they do survives Disconnect.
type Session struct {
	cfg      config.VenueConfig
	dialer   Dialer
	out      Broadcaster
	endpoint EndpointFunc
	observer Observer
	limiter  *rate.Limiter
	log      *logger.Entry
	nextID   atomic.Int64

	mu            sync.Mutex
	state         State
	epoch         uint64
	cancel        context.CancelFunc
	conn          Conn
	subs          []string
	subIndex      map[string]struct{}
	attempts      int
	lastAck       time.Time
	reconnectTask *task
	heartbeatTask *task

	// wg tracks reader goroutines and running task bodies.
	wg sync.WaitGroup
}

// NewSession builds a disconnected session for cfg. Streams listed in the
// venue configuration seed the subscription set and are sent on the first
// successful connect.
func NewSession(cfg config.VenueConfig, dialer Dialer, out Broadcaster, opts ...Option) *Session {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ControlRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlRate)
	}
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		out:      out,
		observer: nopObserver{},
		limiter:  limiter,
		log: logger.GetLogger().WithComponent("stream_session").WithFields(logger.Fields{
			"venue":  cfg.ID,
			"market": cfg.Market,
		}),
		subIndex: make(map[string]struct{}),
	}
	if !cfg.IsUserData() {
		for _, stream := range cfg.Streams {
			s.addSubscriptionLocked(stream)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VenueID returns the venue this session streams from.
func (s *Session) VenueID() string { return s.cfg.ID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns the ordered subscription set.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subs...)
}

// Snapshot returns the current state, attempt counter and subscriptions.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Venue:             s.cfg.ID,
		State:             s.state,
		ReconnectAttempts: s.attempts,
		Subscriptions:     append([]string(nil), s.subs...),
		LastHeartbeatAck:  s.lastAck,
	}
}

// Connect starts a new connection lifecycle: it resets the reconnect counter,
// cancels any pending reconnect and dials the venue once, bounded by the
// configured connect timeout. A failed first attempt is returned to the
// caller and also enters the reconnect path. Connect on a connected session
// is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.reconnectTask.Cancel()
	s.reconnectTask = nil
	s.attempts = 0
	attemptCtx, epoch := s.beginAttemptLocked()
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	return s.dial(ctx, attemptCtx, epoch, false)
}

// Disconnect closes the connection and cancels the pending reconnect and
// heartbeat tasks. When it returns no task body or reader of this session is
// running and none will run until the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.epoch++
	s.reconnectTask.Cancel()
	s.reconnectTask = nil
	s.heartbeatTask.Cancel()
	s.heartbeatTask = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("error closing connection")
		}
	}
	s.wg.Wait()
	s.log.Info("session disconnected")
}

// Subscribe adds streamID to the subscription set and sends a SUBSCRIBE
// request. It fails with a *SubscriptionError unless the session is
// connected.
func (s *Session) Subscribe(ctx context.Context, streamID string) error {
	return s.control(ctx, MethodSubscribe, streamID)
}

// Unsubscribe removes streamID from the subscription set and sends an
// UNSUBSCRIBE request. It fails with a *SubscriptionError unless the session
// is connected.
func (s *Session) Unsubscribe(ctx context.Context, streamID string) error {
	return s.control(ctx, MethodUnsubscribe, streamID)
}

func (s *Session) control(ctx context.Context, method, streamID string) error {
	s.mu.Lock()
	if s.cfg.IsUserData() {
		st := s.state
		s.mu.Unlock()
		return &SubscriptionError{Venue: s.cfg.ID, Method: method, Stream: streamID, State: st, Err: ErrUserDataVenue}
	}
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return &SubscriptionError{Venue: s.cfg.ID, Method: method, Stream: streamID, State: st, Err: ErrNotConnected}
	}
	conn := s.conn
	s.mu.Unlock()

	if err := s.send(ctx, conn, method, streamID); err != nil {
		return &SubscriptionError{Venue: s.cfg.ID, Method: method, Stream: streamID, State: StateConnected, Err: err}
	}

	s.mu.Lock()
	if s.conn != conn {
		st := s.state
		s.mu.Unlock()
		return &SubscriptionError{Venue: s.cfg.ID, Method: method, Stream: streamID, State: st, Err: ErrConnectionReplaced}
	}
	if method == MethodSubscribe {
		s.addSubscriptionLocked(streamID)
	} else {
		s.removeSubscriptionLocked(streamID)
	}
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"method": method, "stream": streamID}).Info("subscription updated")
	return nil
}

func (s *Session) send(ctx context.Context, conn Conn, method, streamID string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("control rate limit: %w", err)
	}
	payload, err := json.Marshal(controlMessage{
		Method: method,
		Params: []string{streamID},
		ID:     s.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	return conn.Write(payload)
}

func (s *Session) addSubscriptionLocked(streamID string) {
	if _, ok := s.subIndex[streamID]; ok {
		return
	}
	s.subIndex[streamID] = struct{}{}
	s.subs = append(s.subs, streamID)
}

func (s *Session) removeSubscriptionLocked(streamID string) {
	if _, ok := s.subIndex[streamID]; !ok {
		return
	}
	delete(s.subIndex, streamID)
	for i, v := range s.subs {
		if v == streamID {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

// beginAttemptLocked opens a new epoch for a connection attempt. The
// returned context lives until the attempt's connection fails or the
// session is disconnected.
func (s *Session) beginAttemptLocked() (context.Context, uint64) {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStateLocked(StateConnecting)
	return ctx, s.epoch
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.observer.StateChanged(s.cfg.ID, st)
}

func (s *Session) dial(parent, attemptCtx context.Context, epoch uint64, retry bool) error {
	dialCtx, cancel := context.WithTimeout(parent, s.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(attemptCtx, cancel)
	defer stop()

	url := s.cfg.URL
	var conn Conn
	var err error
	if s.endpoint != nil {
		url, err = s.endpoint(dialCtx)
		if err != nil {
			err = &TransportError{Venue: s.cfg.ID, Op: "resolve endpoint", Err: err}
		}
	}
	if err == nil {
		conn, err = s.dialer.Dial(dialCtx, url)
		if err != nil {
			err = &TransportError{Venue: s.cfg.ID, Op: "dial", Err: err}
		}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		events := s.scheduleReconnectLocked(err)
		s.mu.Unlock()
		s.log.WithError(err).Warn("connection attempt failed")
		s.emit(events...)
		return err
	}

	s.conn = conn
	s.attempts = 0
	s.lastAck = time.Now()
	s.setStateLocked(StateConnected)
	conn.OnPong(func() { s.ack(conn) })
	if s.cfg.HeartbeatInterval > 0 {
		s.heartbeatTask = every(s.cfg.HeartbeatInterval, func(t *task) { s.heartbeat(t, conn) })
	}
	s.wg.Add(1)
	go s.readLoop(conn)
	replay := append([]string(nil), s.subs...)
	s.mu.Unlock()

	status := models.StatusConnected
	if retry {
		status = models.StatusReconnected
	}
	s.log.WithFields(logger.Fields{"status": status, "subscriptions": len(replay)}).Info("session connected")
	s.emit(models.ConnectionStatus{Venue: s.cfg.ID, Status: status})

	s.replay(attemptCtx, conn, replay)
	return nil
}

// replay re-sends SUBSCRIBE for every stream in order. A failed entry is
// logged and the rest are still sent.
func (s *Session) replay(ctx context.Context, conn Conn, streams []string) {
	for _, streamID := range streams {
		if err := s.send(ctx, conn, MethodSubscribe, streamID); err != nil {
			s.log.WithError(err).WithFields(logger.Fields{"stream": streamID}).Warn("failed to replay subscription")
		}
	}
}

// scheduleReconnectLocked moves the session to RECONNECTING and arms the
// reconnect task, or to FAILED once attempts are exhausted. It returns the
// status events to emit after the lock is released.
func (s *Session) scheduleReconnectLocked(cause error) []models.Event {
	if s.reconnectTask != nil {
		return nil
	}
	if s.attempts >= s.cfg.Reconnect.MaxAttempts {
		s.setStateLocked(StateFailed)
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.log.WithFields(logger.Fields{"attempts": s.attempts}).Error("reconnect attempts exhausted")
		return []models.Event{models.ConnectionStatus{Venue: s.cfg.ID, Status: models.StatusFailed, Error: cause.Error()}}
	}

	s.attempts++
	delay := time.Duration(s.attempts) * s.cfg.Reconnect.BaseDelay
	s.setStateLocked(StateReconnecting)
	s.reconnectTask = after(delay, s.reconnect)
	s.observer.ReconnectScheduled(s.cfg.ID, s.attempts, delay)
	s.log.WithFields(logger.Fields{"attempt": s.attempts, "delay": delay.String()}).Info("reconnect scheduled")
	return []models.Event{models.ConnectionStatus{Venue: s.cfg.ID, Status: models.StatusReconnecting, Error: cause.Error()}}
}

func (s *Session) reconnect(t *task) {
	s.mu.Lock()
	if s.reconnectTask != t {
		s.mu.Unlock()
		return
	}
	s.reconnectTask = nil
	attemptCtx, epoch := s.beginAttemptLocked()
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_ = s.dial(attemptCtx, attemptCtx, epoch, true)
}

// fail tears down conn after a transport or liveness failure. Failures of a
// connection that is no longer current are ignored.
func (s *Session) fail(conn Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.heartbeatTask.Cancel()
	s.heartbeatTask = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	events := append([]models.Event{models.ConnectionStatus{Venue: s.cfg.ID, Status: models.StatusError, Error: cause.Error()}},
		s.scheduleReconnectLocked(cause)...)
	s.mu.Unlock()

	s.log.WithError(cause).Warn("connection lost")
	_ = conn.Close()
	s.emit(events...)
}

func (s *Session) ack(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.lastAck = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) heartbeat(t *task, conn Conn) {
	s.mu.Lock()
	if s.heartbeatTask != t || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	silent := time.Since(s.lastAck)
	s.mu.Unlock()

	if silent > 2*s.cfg.HeartbeatInterval {
		s.fail(conn, &TransportError{Venue: s.cfg.ID, Op: "heartbeat", Err: ErrHeartbeatTimeout})
		return
	}
	if err := conn.Ping(); err != nil {
		s.fail(conn, &TransportError{Venue: s.cfg.ID, Op: "ping", Err: err})
	}
}

func (s *Session) readLoop(conn Conn) {
	defer s.wg.Done()
	for {
		msg, err := conn.Read()
		if err != nil {
			s.fail(conn, &TransportError{Venue: s.cfg.ID, Op: "read", Err: err})
			return
		}
		s.handleMessage(msg)
	}
}

// handleMessage normalizes one inbound message. Failures are logged and
// never affect the connection.
func (s *Session) handleMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("recovered while handling message")
		}
	}()

	logger.RecordChannelMessage(s.cfg.ID, len(raw))
	s.observer.MessageReceived(s.cfg.ID, len(raw))

	ev, err := normalizer.Normalize(s.cfg.ID, raw)
	if err != nil {
		s.observer.ProtocolError(s.cfg.ID, err)
		if errors.Is(err, normalizer.ErrUnknownEvent) {
			s.log.WithError(err).Debug("dropping unrecognized event")
		} else {
			s.log.WithError(err).Warn("dropping malformed message")
		}
		return
	}
	if ev == nil {
		return
	}
	s.emit(ev)
}

func (s *Session) emit(events ...models.Event) {
	if s.out == nil {
		return
	}
	for _, ev := range events {
		s.out.Broadcast(ev)
	}
}
