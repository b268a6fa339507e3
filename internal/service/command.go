package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/model"
)

// watchBuffer bounds the events a slow watcher can fall behind by
const watchBuffer = 32

// Intent is a caller's request to change a ledger's registry
type Intent struct {
	Ledger   model.LedgerID
	Kind     model.CommandKind
	RecordID uint32
	Fields   model.RecordFields
}

// Command tracks one submitted intent through its lifecycle
type Command struct {
	id        string
	intent    Intent
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     model.CommandState
	history   []model.CommandEvent
	reason    string
	ambiguous bool
	err       error
	reconcile *model.ReconcileResult
	sent      bool
	// sending is set by the lane right before the payload is handed to the
	// ledger; from then on only the lane moves the command out of Built
	sending  bool
	watchers []chan model.CommandEvent

	// done closes when the command is terminal, settled when follow-up work
	// (view refresh or graduation reconciliation) has also finished.
	done    chan struct{}
	settled chan struct{}
}

func newCommand(parent context.Context, id string, intent Intent) *Command {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Command{
		id:        id,
		intent:    intent,
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
		state:     model.StateBuilt,
		history: []model.CommandEvent{{
			CommandID: id,
			State:     model.StateBuilt,
			At:        now,
		}},
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
}

// ID returns the command id
func (c *Command) ID() string { return c.id }

// Ledger returns the target ledger
func (c *Command) Ledger() model.LedgerID { return c.intent.Ledger }

// Kind returns the command kind
func (c *Command) Kind() model.CommandKind { return c.intent.Kind }

// State returns the current lifecycle state
func (c *Command) State() model.CommandState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the command reaches a terminal state
func (c *Command) Done() <-chan struct{} { return c.done }

// Settled is closed once follow-up view work has finished as well
func (c *Command) Settled() <-chan struct{} { return c.settled }

// transition applies a lifecycle step. Illegal steps are refused so the
// observable history is always a legal path through the state machine.
func (c *Command) transition(to model.CommandState, blockHash, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to, blockHash, reason)
}

func (c *Command) transitionLocked(to model.CommandState, blockHash, reason string) error {
	if !model.CanTransition(c.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", c.state, to)
	}
	c.state = to
	if reason != "" {
		c.reason = reason
	}
	if to == model.StateSubmitted {
		c.sent = true
	}
	ev := model.CommandEvent{
		CommandID: c.id,
		State:     to,
		BlockHash: blockHash,
		Reason:    reason,
		At:        time.Now(),
	}
	c.history = append(c.history, ev)
	for _, w := range c.watchers {
		select {
		case w <- ev:
		default:
		}
	}

	if to.IsTerminal() {
		c.err = c.terminalErrorLocked()
		for _, w := range c.watchers {
			close(w)
		}
		c.watchers = nil
		close(c.done)
	}
	return nil
}

func (c *Command) terminalErrorLocked() error {
	switch c.state {
	case model.StateFinalized:
		return nil
	case model.StateRejected:
		return apperrors.SubmissionRejected(c.id, c.reason)
	case model.StateCancelled:
		return apperrors.Cancelled(c.id, string(c.history[len(c.history)-2].State)).
			WithDetail("ambiguous", c.ambiguous)
	default:
		return apperrors.SubmissionFailed(c.id, c.reason, nil).
			WithDetail("ambiguous", c.ambiguous)
	}
}

// markAmbiguous flags that the ledger may have applied the command even
// though no success was observed
func (c *Command) markAmbiguous() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ambiguous = c.sent
}

// beginSend claims the command for submission. It fails when the command
// already left Built, e.g. because it was cancelled while queued.
func (c *Command) beginSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateBuilt {
		return false
	}
	c.sending = true
	return true
}

// submissionStarted reports whether the lane has begun handing the payload
// to the ledger
func (c *Command) submissionStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

func (c *Command) setReconcile(res model.ReconcileResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconcile = &res
}

// Watch replays the history so far and then streams live events. The
// channel closes after the terminal event. Call stop to detach early.
func (c *Command) Watch() (<-chan model.CommandEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan model.CommandEvent, watchBuffer+len(c.history))
	for _, ev := range c.history {
		ch <- ev
	}
	if c.state.IsTerminal() {
		close(ch)
		return ch, func() {}
	}
	c.watchers = append(c.watchers, ch)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, w := range c.watchers {
				if w == ch {
					c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, stop
}

// Wait blocks until the command is terminal. The error is nil only when
// the command was finalized; provisional inclusion never counts.
func (c *Command) Wait(ctx context.Context) (model.CommandSnapshot, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	return c.Snapshot(), err
}

// WaitSettled is Wait plus any view refresh or reconciliation that follows
func (c *Command) WaitSettled(ctx context.Context) (model.CommandSnapshot, error) {
	select {
	case <-c.settled:
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
	return c.Wait(ctx)
}

// Cancel requests cancellation. A queued command is cancelled at once; once
// the lane has started sending it, only the lane settles it, and a payload
// that reached the ledger is reported ambiguous. It reports false when the
// command was already terminal.
func (c *Command) Cancel() bool {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return false
	}
	if c.state == model.StateBuilt && !c.sending {
		_ = c.transitionLocked(model.StateCancelled, "", "cancelled before submission")
	}
	c.mu.Unlock()

	c.cancel()
	return true
}

// Snapshot returns a copy of the command's observable state
func (c *Command) Snapshot() model.CommandSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := model.CommandSnapshot{
		ID:        c.id,
		Ledger:    c.intent.Ledger,
		Kind:      c.intent.Kind,
		State:     c.state,
		Reason:    c.reason,
		Ambiguous: c.ambiguous,
		History:   append([]model.CommandEvent(nil), c.history...),
		CreatedAt: c.createdAt,
	}
	if c.intent.Kind.NeedsRecordID() {
		id := c.intent.RecordID
		snap.RecordID = &id
	}
	if c.intent.Kind.NeedsFields() {
		f := c.intent.Fields
		snap.Fields = &f
	}
	if c.reconcile != nil {
		r := *c.reconcile
		snap.Reconcile = &r
	}
	return snap
}
