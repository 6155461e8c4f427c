// Package l1observer watches the parent chains for the payments that
// fill open swap offers. It is never driven by a ticker — Tick is
// invoked by internal/scheduler, itself invoked once per
// sidechain-observed mainchain-tip advance, so L1 observation advances
// in lock-step with the sidechain's own view of its mainchain.
package l1observer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/l1rpc"
	"github.com/coinshift/coinshift/internal/metrics"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/pkg/logging"
)

// ErrTransactionDisappeared means a previously-observed L1 tx is no
// longer present on L1 (a parent-chain reorg dropped it). It is logged
// and the swap's state is left unchanged for this pass.
var ErrTransactionDisappeared = errors.New("l1observer: previously observed transaction disappeared")

// ErrChainNotConfigured means no RPC client is registered for a swap's
// parent chain. The tick skips the swap silently.
var ErrChainNotConfigured = errors.New("l1observer: no rpc client configured for parent chain")

// Notifier is invoked whenever a tick changes a swap's state. Defined here
// rather than imported from internal/sidechain, matching that
// package's own Scheduler pattern: the dependency runs one direction,
// from the notified side inward, never back out to whoever implements it.
type Notifier interface {
	NotifySwapChanged(id swapid.ID)
}

// Observer drives L1 observation over a configured set of per-chain RPC
// clients.
type Observer struct {
	swaps    *swapstore.Store
	clients  map[chainparams.Type]*l1rpc.Client
	mu       sync.RWMutex
	metrics  *metrics.Registry
	notifier Notifier
	log      *logging.Logger
}

// SetMetrics attaches a metrics registry. Optional.
func (o *Observer) SetMetrics(m *metrics.Registry) {
	o.metrics = m
}

// SetNotifier attaches a Notifier. Optional.
func (o *Observer) SetNotifier(n Notifier) {
	o.notifier = n
}

// New constructs an Observer with no clients configured; use SetClient
// to add one per parent chain as it becomes available.
func New(swaps *swapstore.Store) *Observer {
	return &Observer{
		swaps:   swaps,
		clients: make(map[chainparams.Type]*l1rpc.Client),
		log:     logging.GetDefault().Component("l1observer"),
	}
}

// SetClient registers (or replaces) the RPC client used for chain.
func (o *Observer) SetClient(chain chainparams.Type, c *l1rpc.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients[chain] = c
}

func (o *Observer) client(chain chainparams.Type) *l1rpc.Client {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clients[chain]
}

// Tick runs the per-swap observation procedure over every Pending/
// WaitingConfirmations swap, in SwapId byte order so the sequence of
// writes is deterministic, inside the caller's write transaction.
// sidechainHeight drives the expiry check.
func (o *Observer) Tick(ctx context.Context, tx *sql.Tx, sidechainHeight uint32) error {
	if o.metrics != nil {
		start := time.Now()
		defer func() { o.metrics.L1ObserverTickDuration.Observe(time.Since(start).Seconds()) }()
	}

	ids, err := o.swaps.ListNonFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("l1observer: list non-final swaps: %w", err)
	}

	for _, id := range ids {
		sw, err := o.swaps.Get(ctx, tx, id)
		if err != nil {
			if errors.Is(err, swapstore.ErrNotFound) {
				continue // disappeared mid-tick; cannot happen with one writer, defensive only
			}
			return fmt.Errorf("l1observer: get swap %s: %w", id, err)
		}

		if err := o.processSwap(ctx, tx, sw, sidechainHeight); err != nil {
			switch {
			case errors.Is(err, ErrTransactionDisappeared):
				o.log.Warn("transaction disappeared", "swap_id", id, "error", err)
			case errors.Is(err, ErrChainNotConfigured):
				o.log.Debug("no rpc client configured, skipping", "swap_id", id, "parent_chain", sw.ParentChain)
			case errors.Is(err, l1rpc.ErrClient):
				o.log.Warn("l1 rpc call failed, skipping for this tick", "swap_id", id, "error", err)
			default:
				return fmt.Errorf("l1observer: process swap %s: %w", id, err)
			}
		}
	}

	return nil
}

func (o *Observer) processSwap(ctx context.Context, tx *sql.Tx, sw *swaptypes.Swap, sidechainHeight uint32) error {
	// Step 1: expiry.
	if sw.ExpiresAtHeight != nil && sidechainHeight >= *sw.ExpiresAtHeight {
		sw.State = swaptypes.Cancelled()
		if err := o.swaps.Update(ctx, tx, sw); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.SwapCancelledTotal.Inc()
		}
		o.notify(sw.ID)
		return nil
	}

	client := o.client(sw.ParentChain)
	if client == nil {
		return ErrChainNotConfigured
	}
	// Health gate: an unreachable or IBD node is treated the same as an
	// unconfigured chain for this tick; every swap still advances once
	// the gate clears on a later tick.
	if healthy, err := client.Healthy(ctx); err != nil || !healthy {
		return ErrChainNotConfigured
	}

	if sw.L1TxId.IsZero() {
		return o.discoverL1Tx(ctx, tx, client, sw)
	}
	return o.refreshL1Tx(ctx, tx, client, sw)
}

// discoverL1Tx finds a confirmed, unclaimed L1 payment of exactly
// l1_amount to l1_recipient_address and binds it to the swap.
func (o *Observer) discoverL1Tx(ctx context.Context, tx *sql.Tx, client *l1rpc.Client, sw *swaptypes.Swap) error {
	if sw.L1RecipientAddress == nil || sw.L1Amount == nil {
		return nil // nothing to search for: the swap carries no L1 recipient address or amount
	}

	candidates, err := client.FindTransactionsByAddressAndAmount(ctx, *sw.L1RecipientAddress, uint64(*sw.L1Amount))
	if err != nil {
		return fmt.Errorf("%w: %v", l1rpc.ErrClient, err)
	}

	for _, cand := range candidates {
		if cand.Confirmations <= 0 || cand.BlockHeight == nil {
			continue // only a block-included, confirmed tx can bind an offer
		}

		hash, err := txidToHash(cand.Txid)
		if err != nil {
			continue // malformed txid from the L1 adapter; skip this candidate
		}
		if existing, err := o.swaps.GetByL1Txid(ctx, tx, sw.ParentChain, hash); err != nil {
			return err
		} else if existing != nil && *existing != sw.ID {
			continue // already claimed by a different swap
		}

		if cand.SenderAddress != "" {
			claimer := cand.SenderAddress
			sw.L1ClaimerAddress = &claimer
		}
		sw.L1TxId = swaptypes.NewSwapTxId(hash)
		height := *cand.BlockHeight
		sw.L1TxIdValidatedAtHeight = &height
		// No block-hash field is exposed by getrawtransaction's
		// verbose=true response without a second getblockheader round
		// trip; only the height is recorded.

		o.applyConfirmations(sw, cand.Confirmations)
		if err := o.swaps.Update(ctx, tx, sw); err != nil {
			return err
		}
		o.notify(sw.ID)
		return nil
	}

	return nil // no matching candidate this tick; try again next tick
}

// refreshL1Tx refetches a known L1 tx and updates state from its
// current confirmation count.
func (o *Observer) refreshL1Tx(ctx context.Context, tx *sql.Tx, client *l1rpc.Client, sw *swaptypes.Swap) error {
	txidHex := hashToTxid(sw.L1TxId.Hash)
	l1tx, err := client.GetTransaction(ctx, txidHex)
	if err != nil {
		if errors.Is(err, l1rpc.ErrTxNotFound) {
			if sw.State.Tag.IsTerminal() {
				return nil
			}
			return ErrTransactionDisappeared
		}
		return fmt.Errorf("%w: %v", l1rpc.ErrClient, err)
	}

	// A reappearance at a different blockheight (parent-chain reorg that
	// kept the tx) overwrites the validated-at height; nothing silently
	// stales.
	if l1tx.BlockHeight != nil {
		height := *l1tx.BlockHeight
		sw.L1TxIdValidatedAtHeight = &height
	}

	o.applyConfirmations(sw, l1tx.Confirmations)
	if err := o.swaps.Update(ctx, tx, sw); err != nil {
		return err
	}
	o.notify(sw.ID)
	return nil
}

func (o *Observer) notify(id swapid.ID) {
	if o.notifier != nil {
		o.notifier.NotifySwapChanged(id)
	}
}

func (o *Observer) applyConfirmations(sw *swaptypes.Swap, confirmations int64) {
	if confirmations >= int64(sw.RequiredConfirmations) {
		sw.State = swaptypes.ReadyToClaim()
		return
	}
	current := confirmations
	if current < 0 {
		current = 0
	}
	sw.State = swaptypes.WaitingConfirmations(uint32(current), sw.RequiredConfirmations)
}

// txidToHash and hashToTxid round-trip a hex-encoded L1 txid (as
// returned by getrawtransaction/scantxoutset) through the [32]byte
// representation swaptypes.SwapTxId stores.
func txidToHash(txidHex string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(txidHex)
	if err != nil || len(b) != 32 {
		return h, fmt.Errorf("l1observer: malformed txid %q", txidHex)
	}
	copy(h[:], b)
	return h, nil
}

func hashToTxid(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
