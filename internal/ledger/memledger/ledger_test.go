package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	originURL      = "mem://origin"
	destinationURL = "mem://destination"
)

func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	n := NewNetwork(originURL, destinationURL, Options{
		InclusionDelay: time.Millisecond,
		FinalityDelay:  time.Millisecond,
		DeliveryDelay:  5 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(n.Close)
	return n
}

func dial(t *testing.T, n *Network, endpoint string) ledger.Client {
	t.Helper()
	c, err := n.Dial(context.Background(), endpoint)
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, sub ledger.Subscription) []ledger.TxUpdate {
	t.Helper()
	var out []ledger.TxUpdate
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("status stream did not close; got %d updates", len(out))
		}
	}
}

func stages(updates []ledger.TxUpdate) []ledger.Stage {
	out := make([]ledger.Stage, len(updates))
	for i, u := range updates {
		out[i] = u.Stage
	}
	return out
}

var alice = model.RecordFields{Name: "Ada", Surname: "Lovelace", Age: 28, Gender: model.GenderFemale}

func TestSubmit_CreateFinalizesAndIncrementsCount(t *testing.T) {
	n := newTestNetwork(t)
	c := dial(t, n, originURL)
	ctx := context.Background()

	before, err := c.Count(ctx, DefaultInterface)
	require.NoError(t, err)

	sub, err := c.Submit(ctx, ledger.Operation{Interface: DefaultInterface, Kind: model.CommandCreate, Fields: alice})
	require.NoError(t, err)
	updates := collect(t, sub)

	assert.Equal(t, []ledger.Stage{ledger.StageInBlock, ledger.StageFinalized}, stages(updates))
	assert.Empty(t, updates[1].Reason)

	after, err := c.Count(ctx, DefaultInterface)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	rec, ok, err := c.Get(ctx, DefaultInterface, before)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Matches(alice))
	assert.False(t, rec.Graduated)
}

func TestDelete_PreservesIndices(t *testing.T) {
	n := newTestNetwork(t)
	origin := n.Ledger(originURL)
	origin.Seed(alice, alice, alice)
	c := dial(t, n, originURL)
	ctx := context.Background()

	sub, err := c.Submit(ctx, ledger.Operation{Interface: DefaultInterface, Kind: model.CommandDelete, RecordID: 1})
	require.NoError(t, err)
	collect(t, sub)

	count, err := c.Count(ctx, DefaultInterface)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), count)

	_, ok, err := c.Get(ctx, DefaultInterface, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, ok, err := c.Get(ctx, DefaultInterface, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), rec.ID)
}

func TestGraduate_MovesRecordToPeerWithNewID(t *testing.T) {
	n := newTestNetwork(t)
	origin := n.Ledger(originURL)
	destination := n.Ledger(destinationURL)
	destination.Seed(alice, alice)
	ids := origin.Seed(alice)

	c := dial(t, n, originURL)
	sub, err := c.Submit(context.Background(), ledger.Operation{Interface: DefaultInterface, Kind: model.CommandGraduate, RecordID: ids[0]})
	require.NoError(t, err)
	updates := collect(t, sub)
	require.Equal(t, ledger.StageFinalized, updates[len(updates)-1].Stage)

	assert.Empty(t, origin.Records())
	require.Eventually(t, func() bool { return len(destination.Records()) == 3 }, time.Second, time.Millisecond)

	got := destination.Records()[2]
	assert.Equal(t, uint32(2), got.ID)
	assert.True(t, got.Graduated)
	assert.True(t, got.Matches(alice))
}

func TestDispatchErrors_ReportedAtFinality(t *testing.T) {
	n := newTestNetwork(t)
	c := dial(t, n, originURL)

	sub, err := c.Submit(context.Background(), ledger.Operation{Interface: DefaultInterface, Kind: model.CommandUpdate, RecordID: 42, Fields: alice})
	require.NoError(t, err)
	updates := collect(t, sub)

	last := updates[len(updates)-1]
	assert.Equal(t, ledger.StageFinalized, last.Stage)
	assert.Equal(t, "TemplatePallet.StudentNotFound", last.Reason)
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name   string
		fault  Fault
		stages []ledger.Stage
	}{
		{"invalid", Fault{Kind: FaultInvalid, Reason: "BadProof"}, []ledger.Stage{ledger.StageInvalid}},
		{"dispatch", Fault{Kind: FaultDispatch, Reason: "TemplatePallet.NotStudentOwner"}, []ledger.Stage{ledger.StageInBlock, ledger.StageFinalized}},
		{"retract", Fault{Kind: FaultRetract}, []ledger.Stage{ledger.StageInBlock, ledger.StageRetracted, ledger.StageInBlock, ledger.StageFinalized}},
		{"stream error", Fault{Kind: FaultStreamError, Reason: "ws closed"}, []ledger.Stage{ledger.StageInBlock, ledger.StageError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNetwork(t)
			n.Ledger(originURL).InjectFault(tt.fault)
			c := dial(t, n, originURL)

			sub, err := c.Submit(context.Background(), ledger.Operation{Interface: DefaultInterface, Kind: model.CommandCreate, Fields: alice})
			require.NoError(t, err)
			assert.Equal(t, tt.stages, stages(collect(t, sub)))
		})
	}
}

func TestFaultSubmitError(t *testing.T) {
	n := newTestNetwork(t)
	n.Ledger(originURL).InjectFault(Fault{Kind: FaultSubmitError, Reason: "pool full"})
	c := dial(t, n, originURL)

	_, err := c.Submit(context.Background(), ledger.Operation{Interface: DefaultInterface, Kind: model.CommandCreate, Fields: alice})
	assert.ErrorContains(t, err, "pool full")
}

func TestStall_UnsubscribeClosesStream(t *testing.T) {
	n := newTestNetwork(t)
	n.Ledger(originURL).InjectFault(Fault{Kind: FaultStall})
	c := dial(t, n, originURL)

	sub, err := c.Submit(context.Background(), ledger.Operation{Interface: DefaultInterface, Kind: model.CommandCreate, Fields: alice})
	require.NoError(t, err)

	first := <-sub.Updates()
	assert.Equal(t, ledger.StageInBlock, first.Stage)

	sub.Unsubscribe()
	_, ok := <-sub.Updates()
	assert.False(t, ok)
	assert.Equal(t, uint32(0), n.Ledger(originURL).RecordCount())
}

func TestUnreachableAndClosed(t *testing.T) {
	n := newTestNetwork(t)
	origin := n.Ledger(originURL)

	origin.SetUnreachable(true)
	_, err := n.Dial(context.Background(), originURL)
	assert.ErrorIs(t, err, ErrUnreachable)

	origin.SetUnreachable(false)
	c := dial(t, n, originURL)
	require.NoError(t, c.Close())
	_, err = c.Count(context.Background(), DefaultInterface)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = n.Dial(context.Background(), "mem://nowhere")
	assert.Error(t, err)
}

func TestWrongInterfaceRejected(t *testing.T) {
	n := newTestNetwork(t)
	c := dial(t, n, originURL)

	_, err := c.Count(context.Background(), "Students")
	assert.Error(t, err)
}

func finalReason(t *testing.T, c ledger.Client, op ledger.Operation) string {
	t.Helper()
	op.Interface = DefaultInterface
	sub, err := c.Submit(context.Background(), op)
	require.NoError(t, err)
	updates := collect(t, sub)
	last := updates[len(updates)-1]
	require.Equal(t, ledger.StageFinalized, last.Stage)
	return last.Reason
}

func TestOwnership_OnlyOwnerMayModify(t *testing.T) {
	n := newTestNetwork(t)
	origin := n.Ledger(originURL)
	ids := origin.Seed(alice)
	bobIDs := origin.SeedAs("//Bob", alice)

	mallory, err := n.DialAs(context.Background(), originURL, "//Mallory")
	require.NoError(t, err)

	tests := []struct {
		name string
		op   ledger.Operation
	}{
		{"update", ledger.Operation{Kind: model.CommandUpdate, RecordID: ids[0], Fields: alice}},
		{"delete", ledger.Operation{Kind: model.CommandDelete, RecordID: ids[0]}},
		{"graduate", ledger.Operation{Kind: model.CommandGraduate, RecordID: ids[0]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "TemplatePallet.NotStudentOwner", finalReason(t, mallory, tt.op))
		})
	}
	assert.Len(t, origin.Records(), 2)

	// The default signer owns seeded records but not //Bob's
	owner := dial(t, n, originURL)
	assert.Equal(t, "TemplatePallet.NotStudentOwner",
		finalReason(t, owner, ledger.Operation{Kind: model.CommandDelete, RecordID: bobIDs[0]}))
	assert.Empty(t, finalReason(t, owner, ledger.Operation{Kind: model.CommandDelete, RecordID: ids[0]}))
	assert.Empty(t, origin.StudentsByOwner(DefaultSigner))
	assert.Equal(t, bobIDs, origin.StudentsByOwner("//Bob"))

	// Missing records report not-found before ownership
	assert.Equal(t, "TemplatePallet.StudentNotFound",
		finalReason(t, mallory, ledger.Operation{Kind: model.CommandDelete, RecordID: 99}))
}

func TestOwnership_MaxStudentsReached(t *testing.T) {
	n := NewNetwork(originURL, destinationURL, Options{
		InclusionDelay:      time.Millisecond,
		FinalityDelay:       time.Millisecond,
		MaxStudentsPerOwner: 2,
	}, zap.NewNop())
	t.Cleanup(n.Close)
	origin := n.Ledger(originURL)
	origin.Seed(alice)
	c := dial(t, n, originURL)

	create := ledger.Operation{Kind: model.CommandCreate, Fields: alice}
	assert.Empty(t, finalReason(t, c, create))
	assert.Equal(t, "TemplatePallet.MaxStudentsReached", finalReason(t, c, create))
	assert.Equal(t, uint32(2), origin.RecordCount())

	// Another signer has its own budget
	other, err := n.DialAs(context.Background(), originURL, "//Bob")
	require.NoError(t, err)
	assert.Empty(t, finalReason(t, other, create))

	// Deleting frees a slot
	assert.Empty(t, finalReason(t, c, ledger.Operation{Kind: model.CommandDelete, RecordID: 0}))
	assert.Empty(t, finalReason(t, c, create))
}

func TestOwnership_GraduatedRecordKeepsSigner(t *testing.T) {
	n := newTestNetwork(t)
	origin := n.Ledger(originURL)
	destination := n.Ledger(destinationURL)
	ids := origin.SeedAs("//Bob", alice)

	bob, err := n.DialAs(context.Background(), originURL, "//Bob")
	require.NoError(t, err)
	assert.Empty(t, finalReason(t, bob, ledger.Operation{Kind: model.CommandGraduate, RecordID: ids[0]}))

	assert.Empty(t, origin.StudentsByOwner("//Bob"))
	require.Eventually(t, func() bool {
		return len(destination.StudentsByOwner("//Bob")) == 1
	}, time.Second, time.Millisecond)
}
