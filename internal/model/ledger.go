package model

import "time"

// LedgerID identifies one of the two ledgers the coordinator talks to
type LedgerID string

const (
	// LedgerOrigin is the ledger where records are created and graduated from
	LedgerOrigin LedgerID = "origin"
	// LedgerDestination receives graduated records via the cross-ledger channel
	LedgerDestination LedgerID = "destination"
)

// Ledgers lists both ledgers in a fixed order
var Ledgers = []LedgerID{LedgerOrigin, LedgerDestination}

// Peer returns the other ledger
func (l LedgerID) Peer() LedgerID {
	if l == LedgerOrigin {
		return LedgerDestination
	}
	return LedgerOrigin
}

// Valid reports whether l names a known ledger
func (l LedgerID) Valid() bool {
	return l == LedgerOrigin || l == LedgerDestination
}

// ConnectionState is the lifecycle state of a ledger handle
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFailed       ConnectionState = "failed"
)

// ConnectionStates lists every connection state, used for metrics
var ConnectionStates = []ConnectionState{
	ConnectionDisconnected,
	ConnectionConnecting,
	ConnectionConnected,
	ConnectionFailed,
}

// ConnectionStatus is a point-in-time snapshot of one ledger handle
type ConnectionStatus struct {
	Ledger    LedgerID        `json:"ledger"`
	Endpoint  string          `json:"endpoint"`
	Label     string          `json:"label,omitempty"`
	State     ConnectionState `json:"state"`
	Interface string          `json:"interface,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Since     time.Time       `json:"since"`
}
