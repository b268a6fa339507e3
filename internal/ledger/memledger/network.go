package memledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"go.uber.org/zap"
)

// FaultKind selects how the next submitted operation misbehaves
type FaultKind int

const (
	FaultNone FaultKind = iota
	// FaultSubmitError fails Submit itself, before anything reaches the ledger
	FaultSubmitError
	// FaultInvalid reports the operation invalid before inclusion
	FaultInvalid
	// FaultDispatch finalizes the operation with a dispatch error
	FaultDispatch
	// FaultRetract reverts the first inclusion before finalizing in a later block
	FaultRetract
	// FaultStall includes the operation and then never reports finality
	FaultStall
	// FaultStreamError breaks the status stream after inclusion
	FaultStreamError
)

// Fault is an injected misbehaviour for one operation
type Fault struct {
	Kind   FaultKind
	Reason string
}

// Network is a pair of simulated ledgers joined by a one-way delivery channel
type Network struct {
	ledgers map[string]*Ledger
	logger  *zap.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewNetwork creates an origin and a destination ledger at the given endpoints.
// Graduations on the origin are delivered to the destination.
func NewNetwork(originEndpoint, destinationEndpoint string, opts Options, logger *zap.Logger) *Network {
	opts.setDefaults()
	n := &Network{
		ledgers: make(map[string]*Ledger),
		logger:  logger,
		done:    make(chan struct{}),
	}
	origin := newLedger(string(model.LedgerOrigin), originEndpoint, opts, n, logger)
	destination := newLedger(string(model.LedgerDestination), destinationEndpoint, opts, n, logger)
	origin.peer = destination
	n.ledgers[originEndpoint] = origin
	n.ledgers[destinationEndpoint] = destination
	return n
}

// Ledger returns the simulated ledger at endpoint, or nil
func (n *Network) Ledger(endpoint string) *Ledger {
	return n.ledgers[endpoint]
}

// Dial implements ledger.Dialer. Operations are signed by the configured signer.
func (n *Network) Dial(ctx context.Context, endpoint string) (ledger.Client, error) {
	return n.DialAs(ctx, endpoint, "")
}

// DialAs opens a connection whose operations are signed by signer; empty
// means the configured signer
func (n *Network) DialAs(ctx context.Context, endpoint, signer string) (ledger.Client, error) {
	l, ok := n.ledgers[endpoint]
	if !ok {
		return nil, fmt.Errorf("dial %s: no ledger at endpoint", endpoint)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.checkReachable(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if signer == "" {
		signer = l.opts.Signer
	}
	return &conn{ledger: l, signer: signer}, nil
}

// Close stops block production and pending deliveries
func (n *Network) Close() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}

func (n *Network) track(fn func(done <-chan struct{})) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.done)
	}()
}

func (n *Network) deliver(to *Ledger, owner string, fields model.RecordFields, delay time.Duration) {
	n.track(func(done <-chan struct{}) {
		if !sleep(delay, done) {
			return
		}
		to.receive(owner, fields)
	})
}

// sleep waits for d and reports false if stop closed first
func sleep(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

type subscription struct {
	updates chan ledger.TxUpdate
	stop    chan struct{}
	once    sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		updates: make(chan ledger.TxUpdate, 8),
		stop:    make(chan struct{}),
	}
}

func (s *subscription) Updates() <-chan ledger.TxUpdate { return s.updates }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { close(s.stop) })
}

// drive produces the status stream for one operation
func (l *Ledger) drive(op ledger.Operation, signer string, fault Fault, sub *subscription, done <-chan struct{}) {
	defer close(sub.updates)

	stop := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-done:
		case <-sub.stop:
		case <-finished:
			return
		}
		close(stop)
	}()

	emit := func(u ledger.TxUpdate) bool {
		select {
		case sub.updates <- u:
			return true
		case <-stop:
			return false
		}
	}

	if !sleep(l.opts.InclusionDelay, stop) {
		return
	}
	if fault.Kind == FaultInvalid {
		emit(ledger.TxUpdate{Stage: ledger.StageInvalid, Reason: fault.Reason})
		return
	}

	if !emit(ledger.TxUpdate{Stage: ledger.StageInBlock, BlockHash: l.nextBlockHash()}) {
		return
	}

	switch fault.Kind {
	case FaultStall:
		<-stop
		return
	case FaultStreamError:
		emit(ledger.TxUpdate{Stage: ledger.StageError, Err: fmt.Errorf("status stream closed: %s", fault.Reason)})
		return
	case FaultRetract:
		if !emit(ledger.TxUpdate{Stage: ledger.StageRetracted}) {
			return
		}
		if !sleep(l.opts.InclusionDelay, stop) {
			return
		}
		if !emit(ledger.TxUpdate{Stage: ledger.StageInBlock, BlockHash: l.nextBlockHash()}) {
			return
		}
	}

	if !sleep(l.opts.FinalityDelay, stop) {
		return
	}

	reason := fault.Reason
	if fault.Kind != FaultDispatch {
		reason = l.dispatch(op, signer)
	}
	l.logger.Debug("Operation finalized",
		zap.String("kind", string(op.Kind)),
		zap.Uint32("record_id", op.RecordID),
		zap.String("dispatch_error", reason))
	emit(ledger.TxUpdate{Stage: ledger.StageFinalized, BlockHash: l.nextBlockHash(), Reason: reason})
}
