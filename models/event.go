package models

// Envelope categories. The wire type of an envelope is "<venue>_<category>".
const (
	CategoryConnection          = "connection"
	CategoryPositionsUpdate     = "positions_update"
	CategoryBalanceUpdate       = "balance_update"
	CategoryOrderUpdate         = "order_update"
	CategoryAccountConfigUpdate = "account_config_update"
	CategoryStream              = "stream"
	CategoryEvent               = "event"
)

// Connection statuses reported through ConnectionStatus events.
const (
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusReconnected  = "reconnected"
	StatusError        = "error"
	StatusFailed       = "failed"
)

// Event is a canonical, venue tagged event produced by the normalizer or by a
// stream session.
type Event interface {
	// VenueID returns the venue the event originated from.
	VenueID() string
	// Category returns the envelope category of the event.
	Category() string
}

// Envelope is the JSON payload delivered to listener sinks.
type Envelope struct {
	Type   string      `json:"type"`
	Data   interface{} `json:"data,omitempty"`
	Status string      `json:"status,omitempty"`
	Error  string      `json:"error,omitempty"`
	Stream string      `json:"stream,omitempty"`
	Event  string      `json:"event,omitempty"`
}

// ConnectionStatus reports a lifecycle transition of a stream session.
type ConnectionStatus struct {
	Venue  string `json:"venue"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (c ConnectionStatus) VenueID() string  { return c.Venue }
func (c ConnectionStatus) Category() string { return CategoryConnection }
