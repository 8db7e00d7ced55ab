package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 512
)

// WSSink pushes envelopes to a downstream websocket client. Sends are queued
// and written by a dedicated goroutine; a client that falls behind by more
// than the queue size is closed.
type WSSink struct {
	id    string
	conn  *websocket.Conn
	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSSink wraps an upgraded connection and starts its pumps.
func NewWSSink(conn *websocket.Conn, queueSize int) *WSSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &WSSink{
		id:    "ws-" + uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s
}

func (s *WSSink) ID() string { return s.id }

func (s *WSSink) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		s.Close()
		return ErrSinkFull
	}
}

func (s *WSSink) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *WSSink) Done() <-chan struct{} { return s.done }

// Close shuts the connection down. Safe to call more than once.
func (s *WSSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump discards client messages and detects disconnects.
func (s *WSSink) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WSSink) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
