package model

import "time"

// CommandKind is the type of state-changing operation
type CommandKind string

const (
	CommandCreate   CommandKind = "create"
	CommandUpdate   CommandKind = "update"
	CommandDelete   CommandKind = "delete"
	CommandGraduate CommandKind = "graduate"
)

// Valid reports whether k is a known kind
func (k CommandKind) Valid() bool {
	switch k {
	case CommandCreate, CommandUpdate, CommandDelete, CommandGraduate:
		return true
	default:
		return false
	}
}

// NeedsFields reports whether the kind carries record fields
func (k CommandKind) NeedsFields() bool {
	return k == CommandCreate || k == CommandUpdate
}

// NeedsRecordID reports whether the kind targets an existing record
func (k CommandKind) NeedsRecordID() bool {
	return k != CommandCreate
}

// CommandState is the lifecycle state of a submitted command
type CommandState string

const (
	StateBuilt                 CommandState = "built"
	StateSubmitted             CommandState = "submitted"
	StateIncludedProvisionally CommandState = "included_provisionally"
	StateFinalized             CommandState = "finalized"
	StateRejected              CommandState = "rejected"
	StateFailed                CommandState = "failed"
	StateCancelled             CommandState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s CommandState) IsTerminal() bool {
	switch s {
	case StateFinalized, StateRejected, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether s is the only success terminal
func (s CommandState) IsSuccess() bool {
	return s == StateFinalized
}

var transitions = map[CommandState][]CommandState{
	StateBuilt: {StateSubmitted, StateFailed, StateCancelled},
	StateSubmitted: {
		StateIncludedProvisionally, StateRejected, StateFailed, StateCancelled,
	},
	// Retraction moves an included command back to Submitted.
	StateIncludedProvisionally: {
		StateFinalized, StateSubmitted, StateRejected, StateFailed, StateCancelled,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to CommandState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CommandEvent is one observed lifecycle transition
type CommandEvent struct {
	CommandID string       `json:"command_id"`
	State     CommandState `json:"state"`
	BlockHash string       `json:"block_hash,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// ReconcileOutcome is the result of observing a graduation on the destination ledger
type ReconcileOutcome string

const (
	// ReconcileDelivered means the graduated record is visible on the destination
	ReconcileDelivered ReconcileOutcome = "delivered"
	// ReconcileNotYetVisible is reported by the single-read mode when the record is absent
	ReconcileNotYetVisible ReconcileOutcome = "not_yet_visible"
	// ReconcileTimedOut means polling gave up before the record appeared
	ReconcileTimedOut ReconcileOutcome = "timed_out"
	// ReconcileCancelled means reconciliation stopped because the coordinator shut down
	ReconcileCancelled ReconcileOutcome = "cancelled"
)

// ReconcileResult describes how a graduation was reconciled
type ReconcileResult struct {
	Outcome       ReconcileOutcome `json:"outcome"`
	DestinationID *uint32          `json:"destination_id,omitempty"`
	Polls         int              `json:"polls"`
	Elapsed       time.Duration    `json:"elapsed"`
	LastError     string           `json:"last_error,omitempty"`
}

// CommandSnapshot is a read-only copy of a command's observable state
type CommandSnapshot struct {
	ID        string           `json:"id"`
	Ledger    LedgerID         `json:"ledger"`
	Kind      CommandKind      `json:"kind"`
	RecordID  *uint32          `json:"record_id,omitempty"`
	Fields    *RecordFields    `json:"fields,omitempty"`
	State     CommandState     `json:"state"`
	Reason    string           `json:"reason,omitempty"`
	Ambiguous bool             `json:"ambiguous,omitempty"`
	History   []CommandEvent   `json:"history"`
	Reconcile *ReconcileResult `json:"reconcile,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
