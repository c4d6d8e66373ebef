package connectors

import "time"

// ConnectionState describes the session lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStatePortSelected ConnectionState = "port_selected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateSyncing      ConnectionState = "syncing"
	ConnectionStateReady        ConnectionState = "ready"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a bus event snapshot of the current session status.
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// SyncProgress reports node database download progress. Total is zero when
// the radio did not announce a node count up front.
type SyncProgress struct {
	Done  uint32
	Total uint32
}

// SyncComplete marks the end of a node database download.
type SyncComplete struct {
	Nonce     uint32
	NodeCount int
}

// RawFrame carries frame diagnostics for debug/log views.
type RawFrame struct {
	Hex string
	Len int
}

// DebugLogLine is one cleaned line of firmware log output.
type DebugLogLine struct {
	Line string
	At   time.Time
}

// Rebooted signals the radio announced a restart mid-session.
type Rebooted struct {
	At time.Time
}
