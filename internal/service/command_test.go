package service

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(kind model.CommandKind) *Command {
	return newCommand(context.Background(), "cmd-1", Intent{
		Ledger:   model.LedgerOrigin,
		Kind:     kind,
		RecordID: 3,
		Fields:   alice(),
	})
}

func TestCommand_RefusesIllegalTransitions(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)

	assert.Error(t, cmd.transition(model.StateFinalized, "", ""))
	assert.Error(t, cmd.transition(model.StateIncludedProvisionally, "", ""))
	require.NoError(t, cmd.transition(model.StateSubmitted, "", ""))
	assert.Error(t, cmd.transition(model.StateFinalized, "", ""))
	require.NoError(t, cmd.transition(model.StateIncludedProvisionally, "0x01", ""))
	require.NoError(t, cmd.transition(model.StateFinalized, "0x02", ""))

	// Terminal states are final
	assert.Error(t, cmd.transition(model.StateSubmitted, "", ""))
	assert.Error(t, cmd.transition(model.StateCancelled, "", ""))
	assert.Equal(t, model.StateFinalized, cmd.State())
}

func TestCommand_WatchReplaysThenStreams(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	require.NoError(t, cmd.transition(model.StateSubmitted, "", ""))

	events, stop := cmd.Watch()
	defer stop()

	require.NoError(t, cmd.transition(model.StateIncludedProvisionally, "0xaa", ""))
	require.NoError(t, cmd.transition(model.StateFinalized, "0xbb", ""))

	var got []model.CommandEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, model.StateBuilt, got[0].State)
	assert.Equal(t, model.StateSubmitted, got[1].State)
	assert.Equal(t, "0xaa", got[2].BlockHash)
	assert.Equal(t, model.StateFinalized, got[3].State)
}

func TestCommand_WatchAfterTerminalIsClosed(t *testing.T) {
	cmd := newTestCommand(model.CommandDelete)
	require.NoError(t, cmd.transition(model.StateFailed, "", "boom"))

	events, stop := cmd.Watch()
	stop()
	n := 0
	for range events {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestCommand_StopDetachesWatcher(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	events, stop := cmd.Watch()
	<-events
	stop()
	stop()

	_, ok := <-events
	assert.False(t, ok)
	require.NoError(t, cmd.transition(model.StateSubmitted, "", ""))
}

func TestCommand_CancelQueued(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)

	assert.True(t, cmd.Cancel())
	assert.Equal(t, model.StateCancelled, cmd.State())
	assert.False(t, cmd.Cancel())

	snap, err := cmd.Wait(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCancelled))
	assert.False(t, snap.Ambiguous)
}

func TestCommand_CancelSentLeavesStateToDriver(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	require.NoError(t, cmd.transition(model.StateSubmitted, "", ""))

	assert.True(t, cmd.Cancel())
	assert.Equal(t, model.StateSubmitted, cmd.State())
	assert.Error(t, cmd.ctx.Err())
}

func TestCommand_CancelWhileSendingLeavesStateToDriver(t *testing.T) {
	cmd := newTestCommand(model.CommandGraduate)
	require.True(t, cmd.beginSend())

	assert.True(t, cmd.Cancel())
	assert.Equal(t, model.StateBuilt, cmd.State())
	assert.True(t, cmd.submissionStarted())
	assert.Error(t, cmd.ctx.Err())
}

func TestCommand_BeginSendAfterCancelFails(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	require.True(t, cmd.Cancel())

	assert.False(t, cmd.beginSend())
	assert.False(t, cmd.submissionStarted())
}

func TestCommand_WaitHonoursContext(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	snap, err := cmd.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StateBuilt, snap.State)
}

func TestCommand_SnapshotFields(t *testing.T) {
	cmd := newTestCommand(model.CommandUpdate)
	snap := cmd.Snapshot()
	require.NotNil(t, snap.RecordID)
	assert.Equal(t, uint32(3), *snap.RecordID)
	require.NotNil(t, snap.Fields)
	assert.Equal(t, "Alice", snap.Fields.Name)

	del := newTestCommand(model.CommandDelete).Snapshot()
	assert.Nil(t, del.Fields)
}

func TestCommand_RejectionCarriesReason(t *testing.T) {
	cmd := newTestCommand(model.CommandCreate)
	require.NoError(t, cmd.transition(model.StateSubmitted, "", ""))
	require.NoError(t, cmd.transition(model.StateRejected, "", "TemplatePallet.NameTooLong"))

	_, err := cmd.Wait(context.Background())
	var ce *apperrors.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, apperrors.ErrCodeSubmissionRejected, ce.Code)
	assert.Equal(t, "TemplatePallet.NameTooLong", ce.Details["reason"])
}

func TestFindDelivered(t *testing.T) {
	f := alice()
	records := []model.Record{
		{ID: 0, Name: "Alice", Surname: "Smith", Age: 21, Gender: model.GenderFemale, Graduated: true},
		{ID: 2, Name: "Bob", Surname: "Jones", Age: 30, Graduated: true},
		{ID: 3, Name: "Alice", Surname: "Smith", Age: 21, Gender: model.GenderFemale, Graduated: true},
	}

	id, ok := findDelivered(records, GraduationTarget{Fields: &f, Baseline: 1})
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)

	_, ok = findDelivered(records, GraduationTarget{Fields: &f, Baseline: 4})
	assert.False(t, ok)

	id, ok = findDelivered(records, GraduationTarget{Baseline: 1})
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)
}
