// Package ledger defines the contract between the coordinator and a ledger node.
package ledger

import (
	"context"
	"errors"

	"github.com/devrev/ledgerbridge/internal/model"
)

// Storage accessor names exposed by a registry interface
const (
	CountAccessor   = "StudentCount"
	RecordsAccessor = "Students"
)

// ErrDisconnected marks errors caused by losing the connection to the ledger.
// Adapters wrap it so callers can tell a dropped session from a failed call.
var ErrDisconnected = errors.New("ledger connection lost")

// Module is one named interface exposed by a ledger, with its accessors
type Module struct {
	Name      string
	Accessors []string
}

// HasAccessor reports whether the module exposes the named accessor
func (m Module) HasAccessor(name string) bool {
	for _, a := range m.Accessors {
		if a == name {
			return true
		}
	}
	return false
}

// Operation is a state-changing call against the registry interface
type Operation struct {
	Interface string
	Kind      model.CommandKind
	RecordID  uint32
	Fields    model.RecordFields
}

// Stage is a status reported by the ledger for a submitted operation
type Stage int

const (
	// StageInBlock means the operation was included in a block that may still be reverted
	StageInBlock Stage = iota
	// StageRetracted means the including block was reverted
	StageRetracted
	// StageFinalized means inclusion is irreversible; Reason is set when dispatch failed
	StageFinalized
	// StageInvalid means the ledger refused the operation before inclusion
	StageInvalid
	// StageError means the status stream broke or finality timed out
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageInBlock:
		return "in_block"
	case StageRetracted:
		return "retracted"
	case StageFinalized:
		return "finalized"
	case StageInvalid:
		return "invalid"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// TxUpdate is one status notification for a submitted operation
type TxUpdate struct {
	Stage     Stage
	BlockHash string
	// Reason is the ledger's explanation for an Invalid or failed Finalized status
	Reason string
	Err    error
}

// Subscription streams status updates for one submitted operation.
// The updates channel is closed after a terminal update or Unsubscribe.
type Subscription interface {
	Updates() <-chan TxUpdate
	Unsubscribe()
}

// ModuleLister exposes a ledger's interface catalog
type ModuleLister interface {
	Modules(ctx context.Context) ([]Module, error)
}

// Reader reads registry contents through a resolved interface
type Reader interface {
	Count(ctx context.Context, iface string) (uint32, error)
	// Get returns ok=false for an empty slot (deleted or never written)
	Get(ctx context.Context, iface string, index uint32) (model.Record, bool, error)
}

// Client is an open connection to one ledger
type Client interface {
	ModuleLister
	Reader
	// Submit signs and sends the operation, returning its status stream
	Submit(ctx context.Context, op Operation) (Subscription, error)
	Close() error
}

// Dialer opens a connection to a ledger endpoint
type Dialer func(ctx context.Context, endpoint string) (Client, error)
