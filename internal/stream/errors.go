package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is wrapped by a SubscriptionError raised outside the
	// CONNECTED state.
	ErrNotConnected = errors.New("session is not connected")
	// ErrUserDataVenue is wrapped by a SubscriptionError raised on a user data
	// venue, whose only subscription is implied by its listen key.
	ErrUserDataVenue = errors.New("user data venues do not accept subscriptions")
	// ErrHeartbeatTimeout reports a connection that stopped acknowledging
	// liveness probes.
	ErrHeartbeatTimeout = errors.New("heartbeat acknowledgement timed out")
	// ErrConnectInProgress is returned by Connect while a connection attempt
	// is already running.
	ErrConnectInProgress = errors.New("connection attempt already in progress")
	// ErrSessionClosed is returned by a connection attempt that was
	// superseded by Disconnect.
	ErrSessionClosed = errors.New("session disconnected")
	// ErrConnectionReplaced is wrapped by a SubscriptionError whose request
	// went out on a connection that was replaced before it completed.
	ErrConnectionReplaced = errors.New("connection replaced during request")
)

// SubscriptionError is returned synchronously by Subscribe and Unsubscribe.
// Requests are never queued for a later connection.
type SubscriptionError struct {
	Venue  string
	Method string
	Stream string
	State  State
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s %s on venue %s (state %s): %v", e.Method, e.Stream, e.Venue, e.State, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// TransportError wraps a dial, read, write or liveness failure of the
// underlying connection. It drives the reconnect state machine.
type TransportError struct {
	Venue string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("venue %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
