// Package memledger is an in-process ledger pair used for local runs and tests.
// It mirrors the registry semantics of the real ledgers: monotonic ids,
// index-preserving deletion, provisional inclusion followed by finality,
// dispatch errors reported at finalization, and a delayed cross-ledger
// delivery channel for graduations.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"go.uber.org/zap"
)

// DefaultInterface is the registry interface name exposed unless overridden
const DefaultInterface = "TemplatePallet"

// Dispatch error names, reported as "<interface>.<name>"
const (
	ErrNameTooLong        = "NameTooLong"
	ErrSurnameTooLong     = "SurnameTooLong"
	ErrStudentNotFound    = "StudentNotFound"
	ErrAlreadyGraduated   = "AlreadyGraduated"
	ErrXcmSendFailed      = "XcmSendFailed"
	ErrNotStudentOwner    = "NotStudentOwner"
	ErrMaxStudentsReached = "MaxStudentsReached"
)

// DefaultSigner owns seeded records and signs for connections opened with Dial
const DefaultSigner = "//Alice"

var (
	// ErrUnreachable is returned by every call while the ledger is marked unreachable
	ErrUnreachable = fmt.Errorf("ledger unreachable: %w", ledger.ErrDisconnected)
	// ErrClosed is returned by calls on a closed connection
	ErrClosed = errors.New("connection closed")
)

var systemModules = []ledger.Module{
	{Name: "System", Accessors: []string{"Account", "Events", "Number"}},
	{Name: "Timestamp", Accessors: []string{"Now"}},
	{Name: "Balances", Accessors: []string{"TotalIssuance", "Account"}},
	{Name: "ParachainInfo", Accessors: []string{"ParachainId"}},
	{Name: "XcmpQueue", Accessors: []string{"InboundXcmpStatus"}},
}

// Options configures a simulated ledger
type Options struct {
	InclusionDelay time.Duration
	FinalityDelay  time.Duration
	DeliveryDelay  time.Duration
	// Interface is the registry module name; empty means DefaultInterface
	Interface  string
	MaxNameLen int
	// Signer is the account behind connections opened with Dial
	Signer string
	// MaxStudentsPerOwner bounds the StudentsByOwner index; zero means 100
	MaxStudentsPerOwner int
}

func (o *Options) setDefaults() {
	if o.Interface == "" {
		o.Interface = DefaultInterface
	}
	if o.Signer == "" {
		o.Signer = DefaultSigner
	}
	if o.MaxStudentsPerOwner <= 0 {
		o.MaxStudentsPerOwner = 100
	}
	if o.MaxNameLen <= 0 {
		o.MaxNameLen = 64
	}
}

// Ledger is one simulated ledger
type Ledger struct {
	name     string
	endpoint string
	opts     Options
	network  *Network
	logger   *zap.Logger

	mu             sync.Mutex
	modules        []ledger.Module
	count          uint32
	records        map[uint32]model.Record
	owners         map[uint32]string
	byOwner        map[string]map[uint32]struct{}
	block          uint64
	faults         []Fault
	unreachable    bool
	dropDeliveries bool
	peer           *Ledger
}

func newLedger(name, endpoint string, opts Options, network *Network, logger *zap.Logger) *Ledger {
	modules := append([]ledger.Module(nil), systemModules...)
	modules = append(modules, ledger.Module{
		Name:      opts.Interface,
		Accessors: []string{ledger.CountAccessor, ledger.RecordsAccessor, "StudentsByOwner"},
	})
	return &Ledger{
		name:     name,
		endpoint: endpoint,
		opts:     opts,
		network:  network,
		logger:   logger.With(zap.String("ledger", name)),
		modules:  modules,
		records:  make(map[uint32]model.Record),
		owners:   make(map[uint32]string),
		byOwner:  make(map[string]map[uint32]struct{}),
	}
}

// Name returns the ledger's name
func (l *Ledger) Name() string { return l.name }

// Endpoint returns the address the ledger is dialled at
func (l *Ledger) Endpoint() string { return l.endpoint }

// Interface returns the registry module name
func (l *Ledger) Interface() string { return l.opts.Interface }

// SetModules replaces the module catalog, e.g. to hide the registry interface
func (l *Ledger) SetModules(modules []ledger.Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules = append([]ledger.Module(nil), modules...)
}

// Seed writes records owned by the default signer, bypassing the command path
func (l *Ledger) Seed(fields ...model.RecordFields) []uint32 {
	return l.SeedAs(l.opts.Signer, fields...)
}

// SeedAs writes records owned by owner, bypassing the command path and the
// per-owner limit
func (l *Ledger) SeedAs(owner string, fields ...model.RecordFields) []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, l.insertLocked(owner, f, false))
	}
	return ids
}

// StudentsByOwner returns the ids owned by owner, ascending
func (l *Ledger) StudentsByOwner(owner string) []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint32, 0, len(l.byOwner[owner]))
	for id := range l.byOwner[owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Records returns the live records ordered by id
func (l *Ledger) Records() []model.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordCount returns the monotonic id counter
func (l *Ledger) RecordCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// InjectFault queues a fault for the next submitted operation
func (l *Ledger) InjectFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

// SetUnreachable makes every call fail until cleared
func (l *Ledger) SetUnreachable(unreachable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unreachable = unreachable
}

// DropDeliveries discards outgoing cross-ledger deliveries while set
func (l *Ledger) DropDeliveries(drop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropDeliveries = drop
}

// SetDeliveryDelay changes the delay before a graduation reaches the peer
func (l *Ledger) SetDeliveryDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.DeliveryDelay = d
}

func (l *Ledger) checkReachable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return fmt.Errorf("%s: %w", l.endpoint, ErrUnreachable)
	}
	return nil
}

func (l *Ledger) listModules() []ledger.Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Module, len(l.modules))
	copy(out, l.modules)
	return out
}

func (l *Ledger) checkInterface(iface string) error {
	if iface != l.opts.Interface {
		return fmt.Errorf("unknown storage prefix %q", iface)
	}
	return nil
}

func (l *Ledger) readCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Ledger) readRecord(index uint32) (model.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[index]
	return r, ok
}

func (l *Ledger) nextBlockHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	return fmt.Sprintf("0x%064x", l.block)
}

func (l *Ledger) popFault() Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.faults) == 0 {
		return Fault{}
	}
	f := l.faults[0]
	l.faults = l.faults[1:]
	return f
}

func (l *Ledger) insertLocked(owner string, f model.RecordFields, graduated bool) uint32 {
	id := l.count
	l.records[id] = model.Record{
		ID:        id,
		Name:      f.Name,
		Surname:   f.Surname,
		Age:       f.Age,
		Gender:    f.Gender,
		Graduated: graduated,
	}
	l.owners[id] = owner
	if l.byOwner[owner] == nil {
		l.byOwner[owner] = make(map[uint32]struct{})
	}
	l.byOwner[owner][id] = struct{}{}
	l.count++
	return id
}

func (l *Ledger) removeLocked(id uint32) {
	owner := l.owners[id]
	delete(l.records, id)
	delete(l.owners, id)
	delete(l.byOwner[owner], id)
}

// ownedLocked looks up a record the signer may modify
func (l *Ledger) ownedLocked(id uint32, signer string) (model.Record, string) {
	r, ok := l.records[id]
	if !ok {
		return model.Record{}, l.dispatchError(ErrStudentNotFound)
	}
	if l.owners[id] != signer {
		return model.Record{}, l.dispatchError(ErrNotStudentOwner)
	}
	return r, ""
}

func (l *Ledger) dispatchError(name string) string {
	return l.opts.Interface + "." + name
}

// dispatch applies the operation signed by signer and returns a dispatch
// error name, or "" on success
func (l *Ledger) dispatch(op ledger.Operation, signer string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch op.Kind {
	case model.CommandCreate:
		if len(op.Fields.Name) > l.opts.MaxNameLen {
			return l.dispatchError(ErrNameTooLong)
		}
		if len(op.Fields.Surname) > l.opts.MaxNameLen {
			return l.dispatchError(ErrSurnameTooLong)
		}
		if len(l.byOwner[signer]) >= l.opts.MaxStudentsPerOwner {
			return l.dispatchError(ErrMaxStudentsReached)
		}
		l.insertLocked(signer, op.Fields, false)
	case model.CommandUpdate:
		r, reason := l.ownedLocked(op.RecordID, signer)
		if reason != "" {
			return reason
		}
		if len(op.Fields.Name) > l.opts.MaxNameLen {
			return l.dispatchError(ErrNameTooLong)
		}
		if len(op.Fields.Surname) > l.opts.MaxNameLen {
			return l.dispatchError(ErrSurnameTooLong)
		}
		r.Name, r.Surname, r.Age, r.Gender = op.Fields.Name, op.Fields.Surname, op.Fields.Age, op.Fields.Gender
		l.records[op.RecordID] = r
	case model.CommandDelete:
		if _, reason := l.ownedLocked(op.RecordID, signer); reason != "" {
			return reason
		}
		l.removeLocked(op.RecordID)
	case model.CommandGraduate:
		r, reason := l.ownedLocked(op.RecordID, signer)
		if reason != "" {
			return reason
		}
		if r.Graduated {
			return l.dispatchError(ErrAlreadyGraduated)
		}
		if l.peer == nil {
			return l.dispatchError(ErrXcmSendFailed)
		}
		// The record leaves this ledger; the peer assigns a fresh id on receipt.
		l.removeLocked(op.RecordID)
		if !l.dropDeliveries {
			l.network.deliver(l.peer, signer, r.Fields(), l.opts.DeliveryDelay)
		}
	default:
		return fmt.Sprintf("unsupported call %q", op.Kind)
	}
	return ""
}

// receive stores a graduated record delivered from the peer ledger. The
// record keeps the owner that signed the graduation.
func (l *Ledger) receive(owner string, f model.RecordFields) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.insertLocked(owner, f, true)
	l.logger.Debug("Received graduated record", zap.Uint32("record_id", id))
	return id
}

// conn is one client connection to a Ledger
type conn struct {
	ledger *Ledger
	signer string
	mu     sync.Mutex
	closed bool
}

var _ ledger.Client = (*conn)(nil)

func (c *conn) check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.ledger.checkReachable()
}

func (c *conn) Modules(ctx context.Context) ([]ledger.Module, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.ledger.listModules(), ctx.Err()
}

func (c *conn) Count(ctx context.Context, iface string) (uint32, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := c.ledger.checkInterface(iface); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.ledger.readCount(), nil
}

func (c *conn) Get(ctx context.Context, iface string, index uint32) (model.Record, bool, error) {
	if err := c.check(); err != nil {
		return model.Record{}, false, err
	}
	if err := c.ledger.checkInterface(iface); err != nil {
		return model.Record{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, err
	}
	r, ok := c.ledger.readRecord(index)
	return r, ok, nil
}

func (c *conn) Submit(ctx context.Context, op ledger.Operation) (ledger.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.ledger.checkInterface(op.Interface); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fault := c.ledger.popFault()
	if fault.Kind == FaultSubmitError {
		return nil, fmt.Errorf("submit: %s", fault.Reason)
	}
	sub := newSubscription()
	c.ledger.network.track(func(done <-chan struct{}) {
		c.ledger.drive(op, c.signer, fault, sub, done)
	})
	return sub, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
