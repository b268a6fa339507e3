package substrate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/rpc/author"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"go.uber.org/zap"
)

const extrinsicFailedEvent = "System.ExtrinsicFailed"

var errFinalityTimeout = errors.New("finality timeout reported by ledger")

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

// watch translates the extrinsic status stream into TxUpdates until a
// terminal status, a stream error, or Unsubscribe
func (c *Client) watch(op ledger.Operation, ext types.Extrinsic, status *author.ExtrinsicStatusSubscription, sub *subscription) {
	defer close(sub.updates)
	defer status.Unsubscribe()

	logger := c.logger.With(zap.String("kind", string(op.Kind)), zap.Uint32("record_id", op.RecordID))

	emit := func(u ledger.TxUpdate) bool {
		select {
		case sub.updates <- u:
			return true
		case <-sub.stop:
			return false
		}
	}

	for {
		select {
		case <-sub.stop:
			return
		case err, ok := <-status.Err():
			if !ok {
				err = errors.New("status stream closed")
			}
			emit(ledger.TxUpdate{Stage: ledger.StageError, Err: classify(err)})
			return
		case st, ok := <-status.Chan():
			if !ok {
				emit(ledger.TxUpdate{Stage: ledger.StageError, Err: fmt.Errorf("status stream closed: %w", ledger.ErrDisconnected)})
				return
			}
			u, terminal, skip := c.translate(ext, st, logger)
			if skip {
				continue
			}
			if !emit(u) || terminal {
				return
			}
		}
	}
}

// translate maps one extrinsic status. Pool-only statuses are skipped.
func (c *Client) translate(ext types.Extrinsic, st types.ExtrinsicStatus, logger *zap.Logger) (u ledger.TxUpdate, terminal, skip bool) {
	switch {
	case st.IsInBlock:
		logger.Debug("Extrinsic in block", zap.String("block", st.AsInBlock.Hex()))
		return ledger.TxUpdate{Stage: ledger.StageInBlock, BlockHash: st.AsInBlock.Hex()}, false, false
	case st.IsRetracted:
		logger.Warn("Extrinsic block retracted", zap.String("block", st.AsRetracted.Hex()))
		return ledger.TxUpdate{Stage: ledger.StageRetracted, BlockHash: st.AsRetracted.Hex()}, false, false
	case st.IsFinalized:
		reason, err := c.dispatchOutcome(st.AsFinalized, ext)
		if err != nil {
			logger.Error("Could not read dispatch outcome", zap.Error(err))
			return ledger.TxUpdate{Stage: ledger.StageError, Err: fmt.Errorf("read dispatch outcome: %w", err)}, true, false
		}
		return ledger.TxUpdate{Stage: ledger.StageFinalized, BlockHash: st.AsFinalized.Hex(), Reason: reason}, true, false
	case st.IsFinalityTimeout:
		return ledger.TxUpdate{Stage: ledger.StageError, Err: errFinalityTimeout}, true, false
	case st.IsInvalid:
		return ledger.TxUpdate{Stage: ledger.StageInvalid, Reason: "Invalid"}, true, false
	case st.IsDropped:
		return ledger.TxUpdate{Stage: ledger.StageInvalid, Reason: "Dropped"}, true, false
	case st.IsUsurped:
		return ledger.TxUpdate{Stage: ledger.StageInvalid, Reason: "Usurped"}, true, false
	default:
		return ledger.TxUpdate{}, false, true
	}
}

// dispatchOutcome locates the extrinsic in the finalized block and returns the
// dispatch error name, or "" when it succeeded
func (c *Client) dispatchOutcome(blockHash types.Hash, ext types.Extrinsic) (string, error) {
	want, err := codec.EncodeToHex(ext)
	if err != nil {
		return "", err
	}
	block, err := c.api.RPC.Chain.GetBlock(blockHash)
	if err != nil {
		return "", classify(err)
	}

	index := -1
	for i, candidate := range block.Block.Extrinsics {
		got, err := codec.EncodeToHex(candidate)
		if err == nil && got == want {
			index = i
			break
		}
	}
	if index < 0 {
		return "", fmt.Errorf("extrinsic not found in block %s", blockHash.Hex())
	}

	events, err := c.events.GetEvents(blockHash)
	if err != nil {
		return "", classify(err)
	}
	for _, ev := range events {
		if ev.Phase == nil || !ev.Phase.IsApplyExtrinsic || ev.Phase.AsApplyExtrinsic != uint32(index) {
			continue
		}
		if ev.Name != extrinsicFailedEvent {
			continue
		}
		if pallet, errIndex, ok := moduleError(ev.Fields); ok {
			if name, ok := moduleErrorName(c.meta, pallet, errIndex); ok {
				return name, nil
			}
		}
		return "DispatchError", nil
	}
	return "", nil
}
