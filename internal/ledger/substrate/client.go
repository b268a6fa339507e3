// Package substrate connects the coordinator to Substrate-based ledgers over
// their WebSocket RPC endpoint.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	regstate "github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ss58Prefix is the generic Substrate address format
const ss58Prefix = 42

var errClosed = errors.New("substrate client closed")

// Client is a signed session against one ledger
type Client struct {
	endpoint string
	api      *gsrpc.SubstrateAPI
	meta     *types.Metadata
	genesis  types.Hash
	events   retriever.EventRetriever
	signer   signature.KeyringPair
	logger   *zap.Logger

	// submitMu serialises nonce lookup and submission
	submitMu sync.Mutex
	closed   atomic.Bool
}

var _ ledger.Client = (*Client)(nil)

// NewDialer derives the signing key once and returns a dialer that opens
// sessions signed by it
func NewDialer(secretURI string, logger *zap.Logger) (ledger.Dialer, error) {
	signer, err := signature.KeyringPairFromSecret(secretURI, ss58Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signer: %w", err)
	}
	logger.Info("Signer loaded", zap.String("address", signer.Address))

	return func(ctx context.Context, endpoint string) (ledger.Client, error) {
		c, err := Dial(ctx, endpoint, signer, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, nil
}

type dialResult struct {
	client *Client
	err    error
}

// Dial connects to endpoint and loads the metadata needed to read storage and build calls
func Dial(ctx context.Context, endpoint string, signer signature.KeyringPair, logger *zap.Logger) (*Client, error) {
	result := make(chan dialResult, 1)
	go func() {
		c, err := dial(endpoint, signer, logger)
		result <- dialResult{client: c, err: err}
	}()

	select {
	case r := <-result:
		return r.client, r.err
	case <-ctx.Done():
		// Close whatever the abandoned attempt opens
		go func() {
			if r := <-result; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", endpoint, ctx.Err())
	}
}

func dial(endpoint string, signer signature.KeyringPair, logger *zap.Logger) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, classify(err))
	}

	c := &Client{
		endpoint: endpoint,
		api:      api,
		signer:   signer,
		logger:   logger.With(zap.String("endpoint", endpoint)),
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load metadata: %w", classify(err))
	}
	c.meta = meta

	genesis, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load genesis hash: %w", classify(err))
	}
	c.genesis = genesis

	events, err := retriever.NewDefaultEventRetriever(regstate.NewEventProvider(api.RPC.State), api.RPC.State)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("build event retriever: %w", err)
	}
	c.events = events

	return c, nil
}

func (c *Client) check(ctx context.Context) error {
	if c.closed.Load() {
		return errClosed
	}
	return ctx.Err()
}

// Modules lists the pallets that expose storage
func (c *Client) Modules(ctx context.Context) ([]ledger.Module, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return modules(c.meta)
}

// Count reads the record counter of the registry interface
func (c *Client) Count(ctx context.Context, iface string) (uint32, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	key, err := types.CreateStorageKey(c.meta, iface, ledger.CountAccessor)
	if err != nil {
		return 0, fmt.Errorf("count key: %w", err)
	}
	var count types.U32
	if _, err := c.api.RPC.State.GetStorageLatest(key, &count); err != nil {
		return 0, fmt.Errorf("read %s.%s: %w", iface, ledger.CountAccessor, classify(err))
	}
	return uint32(count), nil
}

// Get reads one record slot
func (c *Client) Get(ctx context.Context, iface string, index uint32) (model.Record, bool, error) {
	if err := c.check(ctx); err != nil {
		return model.Record{}, false, err
	}
	arg, err := encodeIndex(index)
	if err != nil {
		return model.Record{}, false, err
	}
	key, err := types.CreateStorageKey(c.meta, iface, ledger.RecordsAccessor, arg)
	if err != nil {
		return model.Record{}, false, fmt.Errorf("record key: %w", err)
	}
	var s student
	ok, err := c.api.RPC.State.GetStorageLatest(key, &s)
	if err != nil {
		return model.Record{}, false, fmt.Errorf("read %s.%s(%d): %w", iface, ledger.RecordsAccessor, index, classify(err))
	}
	if !ok {
		return model.Record{}, false, nil
	}
	return s.record(index), true, nil
}

// Submit signs the operation with the session key and watches its status
func (c *Client) Submit(ctx context.Context, op ledger.Operation) (ledger.Subscription, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	call, err := newCall(c.meta, op)
	if err != nil {
		return nil, err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	ext := types.NewExtrinsic(call)
	opts, err := c.signatureOptions()
	if err != nil {
		return nil, err
	}
	if err := ext.Sign(c.signer, opts); err != nil {
		return nil, fmt.Errorf("sign %s: %w", op.Kind, err)
	}

	status, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", op.Kind, classify(err))
	}

	sub := newSubscription()
	go c.watch(op, ext, status, sub)
	return sub, nil
}

func (c *Client) signatureOptions() (types.SignatureOptions, error) {
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return types.SignatureOptions{}, fmt.Errorf("load runtime version: %w", classify(err))
	}

	key, err := types.CreateStorageKey(c.meta, "System", "Account", c.signer.PublicKey)
	if err != nil {
		return types.SignatureOptions{}, fmt.Errorf("account key: %w", err)
	}
	var account types.AccountInfo
	if _, err := c.api.RPC.State.GetStorageLatest(key, &account); err != nil {
		return types.SignatureOptions{}, fmt.Errorf("load nonce: %w", classify(err))
	}

	return types.SignatureOptions{
		BlockHash:          c.genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesis,
		Nonce:              types.NewUCompactFromUInt(uint64(account.Nonce)),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	}, nil
}

// Close ends the session. It is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.api.Client.Close()
	return nil
}

// classify marks transport failures with ledger.ErrDisconnected
func classify(err error) error {
	if err == nil || !isDisconnect(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrDisconnected, err)
}

func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &closeErr):
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "client is closed") || strings.Contains(msg, "connection reset")
}
