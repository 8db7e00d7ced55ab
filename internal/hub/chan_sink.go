package hub

import (
	"sync"

	"github.com/google/uuid"
)

// ChanSink delivers envelopes to an in-process consumer through a buffered
// channel. A full buffer fails the send, which removes the sink from any hub
// it is attached to.
type ChanSink struct {
	id string

	mu     sync.Mutex
	ch     chan []byte
	done   chan struct{}
	closed bool
}

// NewChanSink returns an open sink buffering up to size envelopes.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{
		id:   "chan-" + uuid.NewString(),
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

func (s *ChanSink) ID() string { return s.id }

// C returns the channel envelopes are delivered on. It is closed by Close.
func (s *ChanSink) C() <-chan []byte { return s.ch }

func (s *ChanSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return ErrSinkFull
	}
}

func (s *ChanSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *ChanSink) Done() <-chan struct{} { return s.done }

// Close marks the sink closed and closes its channels. Safe to call more than
// once.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
