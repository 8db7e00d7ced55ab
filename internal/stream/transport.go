package stream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const controlWriteTimeout = 5 * time.Second

// Conn is one live duplex connection to a venue endpoint.
type Conn interface {
	// Read blocks until the next data message arrives or the connection fails.
	Read() ([]byte, error)
	// Write sends one text message.
	Write(msg []byte) error
	// Ping sends a liveness probe.
	Ping() error
	// OnPong registers fn to run for every liveness acknowledgement. It must
	// be called before the first Read.
	OnPong(fn func())
	Close() error
}

// Dialer opens connections to venue endpoints.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials websocket endpoints with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWSDialer returns a WSDialer using the default gorilla dialer settings.
func NewWSDialer() *WSDialer {
	return &WSDialer{Dialer: websocket.DefaultDialer}
}

// NewWSDialerFrom returns a WSDialer whose outbound connections originate
// from sourceIP. An empty sourceIP uses the default route.
func NewWSDialerFrom(sourceIP string) (*WSDialer, error) {
	if sourceIP == "" {
		return NewWSDialer(), nil
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid source ip '%s'", sourceIP)
	}
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	return &WSDialer{Dialer: &dialer}, nil
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn serializes data writes; control frames go through WriteControl,
// which gorilla allows concurrently with other writers.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) Write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout))
}

func (c *wsConn) OnPong(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
