package models

import "time"

// ConnectionState is the coarse feed connection status.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is the feed status badge plus auxiliary counts.
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	Mode              string          `json:"mode"`
	SymbolCount       int             `json:"symbol_count"`
	StreamCount       int             `json:"stream_count"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastError         string          `json:"last_error,omitempty"`
	LastMessageAt     time.Time       `json:"last_message_at,omitempty"`
}
