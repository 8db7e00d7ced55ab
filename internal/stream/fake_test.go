package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"venuestream/config"
	"venuestream/models"
)

var (
	errFakeClosed = errors.New("fake connection closed")
	errFakeDial   = errors.New("fake dial refused")
	errFakeWrite  = errors.New("fake write refused")
)

// fakeConn is an in-memory Conn. Messages pushed with push are returned by
// Read; drop simulates the remote end closing the connection.
type fakeConn struct {
	inbound    chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	autoPong   bool
	failWrites map[string]bool

	// beforeWrite, when set, runs once the closed check has passed.
	beforeWrite func()

	mu     sync.Mutex
	writes []controlMessage
	pings  int
	onPong func()
}

func newFakeConn(autoPong bool, failWrites map[string]bool) *fakeConn {
	return &fakeConn{
		inbound:    make(chan []byte, 16),
		closed:     make(chan struct{}),
		autoPong:   autoPong,
		failWrites: failWrites,
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) Write(msg []byte) error {
	if c.isClosed() {
		return errFakeClosed
	}
	if c.beforeWrite != nil {
		c.beforeWrite()
	}
	var cm controlMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		return err
	}
	for _, p := range cm.Params {
		if c.failWrites[p] {
			return errFakeWrite
		}
	}
	c.mu.Lock()
	c.writes = append(c.writes, cm)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping() error {
	if c.isClosed() {
		return errFakeClosed
	}
	c.mu.Lock()
	c.pings++
	fn := c.onPong
	c.mu.Unlock()
	if c.autoPong && fn != nil {
		fn()
	}
	return nil
}

func (c *fakeConn) OnPong(fn func()) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(raw string) { c.inbound <- []byte(raw) }

func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// sent returns the params of every control message with the given method.
func (c *fakeConn) sent(method string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		if w.Method == method {
			out = append(out, w.Params...)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	failAll    bool
	block      bool
	autoPong   bool
	failWrites map[string]bool
	conns      []*fakeConn
	dials      []time.Time
	urls       []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	d.urls = append(d.urls, url)
	failAll, block := d.failAll, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failAll {
		return nil, errFakeDial
	}
	conn := newFakeConn(d.autoPong, d.failWrites)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Broadcast(ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recorder) statuses() []models.ConnectionStatus {
	var out []models.ConnectionStatus
	for _, ev := range r.all() {
		if cs, ok := ev.(models.ConnectionStatus); ok {
			out = append(out, cs)
		}
	}
	return out
}

func (r *recorder) statusNames() []string {
	var out []string
	for _, cs := range r.statuses() {
		out = append(out, cs.Status)
	}
	return out
}

type countingObserver struct {
	mu         sync.Mutex
	states     []State
	reconnects int
	messages   int
	protocol   int
}

func (o *countingObserver) StateChanged(_ string, st State) {
	o.mu.Lock()
	o.states = append(o.states, st)
	o.mu.Unlock()
}

func (o *countingObserver) ReconnectScheduled(string, int, time.Duration) {
	o.mu.Lock()
	o.reconnects++
	o.mu.Unlock()
}

func (o *countingObserver) MessageReceived(string, int) {
	o.mu.Lock()
	o.messages++
	o.mu.Unlock()
}

func (o *countingObserver) ProtocolError(string, error) {
	o.mu.Lock()
	o.protocol++
	o.mu.Unlock()
}

func (o *countingObserver) protocolErrors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.protocol
}

func testVenue(kind string, streams ...string) config.VenueConfig {
	return config.VenueConfig{
		ID:     "spot",
		Kind:   kind,
		Market: config.MarketSpot,
		URL:    "wss://stream.example.test/stream",
		Reconnect: config.ReconnectConfig{
			BaseDelay:   20 * time.Millisecond,
			MaxAttempts: 3,
		},
		Streams:           streams,
		HeartbeatInterval: time.Hour,
		ConnectTimeout:    time.Second,
		ControlRate:       1000,
	}
}
