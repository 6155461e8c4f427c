// Package sidechain implements block connect/disconnect over the swap
// subsystem, plus the minimal chain model needed to drive it. It owns
// the daemon's single write-transaction boundary: every
// Connect/Disconnect call runs inside one kvstore.Env.WriteTx.
package sidechain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/lockstore"
	"github.com/coinshift/coinshift/internal/metrics"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txcodec"
	"github.com/coinshift/coinshift/internal/txvalidator"
	"github.com/coinshift/coinshift/internal/utxostore"
	"github.com/coinshift/coinshift/pkg/logging"
)

// TxKind discriminates the three transaction shapes block processing
// must handle.
type TxKind int

const (
	KindForeign TxKind = iota
	KindSwapCreate
	KindSwapClaim
)

// Tx is one sidechain transaction, reduced to what connect/disconnect
// and validation need to see.
type Tx struct {
	TxID    swaptypes.Txid
	Inputs  []swaptypes.OutPoint
	Outputs []txvalidator.Output
	Kind    TxKind

	SwapCreate *txvalidator.SwapCreateInput
	SwapClaim  *txvalidator.SwapClaimInput
}

// PegAdvance marks a block where the sidechain's own view of the
// mainchain tip advances. Its height is passed to the scheduler.
type PegAdvance struct {
	MainchainHeight uint32
}

// Block is the minimal sidechain block shape Connect/Disconnect
// operate over.
type Block struct {
	Height     uint32
	Hash       swaptypes.BlockHash
	PrevHash   swaptypes.BlockHash
	Txs        []Tx
	PegAdvance *PegAdvance // non-nil exactly on a mainchain-tip-advance block
}

// Scheduler is the narrow interface Chain.Connect invokes once per
// mainchain-tip advance. Defined here (rather than imported from
// internal/scheduler) to keep sidechain from depending on scheduler;
// *scheduler.Scheduler satisfies it without importing sidechain either.
type Scheduler interface {
	OnMainchainTipAdvance(ctx context.Context, tx *sql.Tx, sidechainHeight uint32, mainchainHeight uint32) error
}

// Notifier is invoked whenever a swap's on-chain state changes as a
// direct result of a Connect call (new swap, claim completed). It
// exists so a push-notification surface (internal/rpcserver's /ws
// swap_changed events) can learn of a state change without sidechain
// depending on rpcserver. Optional; nil means no one is listening.
type Notifier interface {
	NotifySwapChanged(id swapid.ID)
}

// Chain drives block connect/disconnect over the shared kvstore.Env.
type Chain struct {
	env       *kvstore.Env
	swaps     *swapstore.Store
	locks     *lockstore.Store
	utxos     *utxostore.Store
	validator *txvalidator.Validator
	scheduler Scheduler
	notifier  Notifier
	metrics   *metrics.Registry
	replay    bool
	log       *logging.Logger
}

// New constructs a Chain. scheduler may be nil if no peg-driven
// observation is wired (e.g. in tests exercising block processing
// alone).
func New(env *kvstore.Env, swaps *swapstore.Store, locks *lockstore.Store, utxos *utxostore.Store, validator *txvalidator.Validator, scheduler Scheduler) *Chain {
	return &Chain{
		env:       env,
		swaps:     swaps,
		locks:     locks,
		utxos:     utxos,
		validator: validator,
		scheduler: scheduler,
		log:       logging.GetDefault().Component("sidechain"),
	}
}

// NewReplay constructs a Chain for recovery's from-genesis replay. A
// replayed SwapClaim is applied on the strength of its historical
// on-chain inclusion rather than re-validated against ReadyToClaim
// state: the replay runs with no scheduler, so the observation
// transitions that justified the claim the first time never happen
// again — the replayed swap sits at Pending with l1_txid Zero when its
// claim comes past.
func NewReplay(env *kvstore.Env, swaps *swapstore.Store, locks *lockstore.Store, utxos *utxostore.Store, validator *txvalidator.Validator) *Chain {
	c := New(env, swaps, locks, utxos, validator, nil)
	c.replay = true
	return c
}

// SetMetrics attaches a metrics registry. Optional; Connect/Disconnect
// record nothing until this is called.
func (c *Chain) SetMetrics(m *metrics.Registry) {
	c.metrics = m
}

// SetNotifier attaches a Notifier. Optional; Connect notifies no one
// until this is called.
func (c *Chain) SetNotifier(n Notifier) {
	c.notifier = n
}

// Connect applies block to the chain inside one write transaction. If
// any transaction fails validation, Connect returns that error and the
// write transaction rolls back: no part of the block is applied.
func (c *Chain) Connect(ctx context.Context, block *Block) error {
	start := time.Now()
	err := c.env.WriteTx(ctx, func(sqltx *sql.Tx) error {
		for i, tx := range block.Txs {
			if err := c.connectTx(ctx, sqltx, block.Height, &tx); err != nil {
				return fmt.Errorf("sidechain: connect block %s tx[%d] %s: %w", block.Hash, i, tx.TxID, err)
			}
		}

		if block.PegAdvance != nil && c.scheduler != nil {
			// Snapshot every non-final swap's pre-tick state before handing
			// control to the scheduler, so a later Disconnect can revert
			// whatever observation changes the tick makes. The tick only
			// ever touches swaps already in a non-final state, so this set
			// is exactly what Disconnect needs to restore.
			if err := c.snapshotPreTick(ctx, sqltx, block.Height); err != nil {
				return fmt.Errorf("sidechain: snapshot pre-tick state at block %s: %w", block.Hash, err)
			}
			if err := c.scheduler.OnMainchainTipAdvance(ctx, sqltx, block.Height, block.PegAdvance.MainchainHeight); err != nil {
				return fmt.Errorf("sidechain: scheduler tick at block %s: %w", block.Hash, err)
			}
		}

		return nil
	})

	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.BlockConnectDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Chain) connectTx(ctx context.Context, sqltx *sql.Tx, height uint32, tx *Tx) error {
	if err := c.connectTxKind(ctx, sqltx, height, tx); err != nil {
		return err
	}
	// Every accepted transaction, whatever its kind, moves value: its
	// inputs are consumed and its outputs enter the UTXO ledger.
	for _, in := range tx.Inputs {
		if err := c.utxos.MarkSpent(ctx, sqltx, in, height); err != nil {
			return err
		}
	}
	for vout := range tx.Outputs {
		op := swaptypes.OutPoint{Txid: tx.TxID, Vout: uint32(vout)}
		if err := c.utxos.Put(ctx, sqltx, op, tx.Outputs[vout].Address, tx.Outputs[vout].Amount); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) connectTxKind(ctx context.Context, sqltx *sql.Tx, height uint32, tx *Tx) error {
	in := toValidatorInput(tx)

	switch tx.Kind {
	case KindSwapCreate:
		eff, err := c.validator.ValidateSwapCreate(ctx, sqltx, in)
		if err != nil {
			return err
		}
		eff.NewSwap.CreatedAtHeight = height
		if err := c.swaps.Create(ctx, sqltx, eff.NewSwap); err != nil {
			return err
		}
		for vout := range tx.Outputs {
			op := swaptypes.OutPoint{Txid: tx.TxID, Vout: uint32(vout)}
			if err := c.locks.Lock(ctx, sqltx, op, eff.NewSwap.ID); err != nil {
				return err
			}
		}
		if c.metrics != nil {
			c.metrics.SwapCreatedTotal.Inc()
		}
		if c.notifier != nil {
			c.notifier.NotifySwapChanged(eff.NewSwap.ID)
		}
		return nil

	case KindSwapClaim:
		if c.replay {
			return c.replaySwapClaim(ctx, sqltx, tx)
		}
		eff, err := c.validator.ValidateSwapClaim(ctx, sqltx, in)
		if err != nil {
			return err
		}
		for _, op := range eff.UnlockOutputs {
			if err := c.locks.Unlock(ctx, sqltx, op); err != nil {
				return err
			}
		}
		swap, err := c.swaps.Get(ctx, sqltx, eff.ClaimedSwapID)
		if err != nil {
			return err
		}
		swap.State = swaptypes.Completed()
		if err := c.swaps.Update(ctx, sqltx, swap); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.SwapClaimedTotal.Inc()
		}
		if c.notifier != nil {
			c.notifier.NotifySwapChanged(eff.ClaimedSwapID)
		}
		return nil

	default:
		return c.validator.ValidateForeignTx(ctx, sqltx, in)
	}
}

// replaySwapClaim applies a historical SwapClaim without the
// ReadyToClaim check: unlock every input locked to the claim's swap,
// mark the swap Completed. The claim was validated when its block first
// connected; replay only reproduces its store effects.
func (c *Chain) replaySwapClaim(ctx context.Context, sqltx *sql.Tx, tx *Tx) error {
	swap, err := c.swaps.Get(ctx, sqltx, tx.SwapClaim.SwapId)
	if err != nil {
		return err
	}
	for _, in := range tx.Inputs {
		locked, err := c.locks.LockedTo(ctx, sqltx, in)
		if err != nil {
			return err
		}
		if locked != nil && *locked == tx.SwapClaim.SwapId {
			if err := c.locks.Unlock(ctx, sqltx, in); err != nil {
				return err
			}
		}
	}
	swap.State = swaptypes.Completed()
	return c.swaps.Update(ctx, sqltx, swap)
}

// ClearTickSnapshots empties the pre-tick snapshot table. Recovery
// calls this alongside the swap/lock Clear before a from-genesis
// replay — a
// snapshot taken against pre-reconstruction state must never be restored
// over reconstructed state.
func ClearTickSnapshots(ctx context.Context, sqltx *sql.Tx) error {
	if _, err := sqltx.ExecContext(ctx, `DELETE FROM peg_tick_snapshots`); err != nil {
		return fmt.Errorf("sidechain: clear tick snapshots: %w", err)
	}
	return nil
}

// Disconnect reverses block in strict reverse-transaction order.
// A PegAdvance block's scheduler-driven L1-observation changes are
// reverted first — the mirror of Connect, which runs the scheduler
// after the block's transactions — before the transactions themselves
// are unwound.
func (c *Chain) Disconnect(ctx context.Context, block *Block) error {
	err := c.env.WriteTx(ctx, func(sqltx *sql.Tx) error {
		if block.PegAdvance != nil {
			if err := c.restorePreTick(ctx, sqltx, block.Height); err != nil {
				return fmt.Errorf("sidechain: restore pre-tick state at block %s: %w", block.Hash, err)
			}
		}
		for i := len(block.Txs) - 1; i >= 0; i-- {
			tx := &block.Txs[i]
			if err := c.disconnectTx(ctx, sqltx, tx); err != nil {
				return fmt.Errorf("sidechain: disconnect block %s tx %s: %w", block.Hash, tx.TxID, err)
			}
		}
		return nil
	})
	if err == nil && c.metrics != nil {
		c.metrics.BlockDisconnectTotal.Inc()
	}
	return err
}

// snapshotPreTick records, for every swap the scheduler tick at height
// is about to see (i.e. every swap in a non-final state right before
// the tick runs), the exact encoded Swap value it held at that moment.
// The observer only ever mutates swaps already in
// Pending/WaitingConfirmations, so this set is precisely what the tick
// can change (its expiry step can additionally move one to Cancelled,
// also captured here since that swap was non-final going into the
// tick).
func (c *Chain) snapshotPreTick(ctx context.Context, sqltx *sql.Tx, height uint32) error {
	ids, err := c.swaps.ListNonFinal(ctx, sqltx)
	if err != nil {
		return fmt.Errorf("list non-final swaps: %w", err)
	}
	for _, id := range ids {
		sw, err := c.swaps.Get(ctx, sqltx, id)
		if err != nil {
			return fmt.Errorf("get swap %s: %w", id, err)
		}
		enc, err := txcodec.EncodeSwap(sw)
		if err != nil {
			return fmt.Errorf("encode swap %s: %w", id, err)
		}
		if _, err := sqltx.ExecContext(ctx,
			`INSERT INTO peg_tick_snapshots (height, swap_id, data) VALUES (?, ?, ?)
			 ON CONFLICT(height, swap_id) DO UPDATE SET data = excluded.data`,
			height, id[:], enc); err != nil {
			return fmt.Errorf("write snapshot for swap %s: %w", id, err)
		}
	}
	return nil
}

// restorePreTick undoes every L1-observation state change the scheduler
// tick at height made, by writing each snapshotted swap back to its
// pre-tick value — after the disconnect the swap is exactly what it was
// before the block connected. The snapshot rows for height are deleted
// once applied so a later re-disconnect of the same block (which cannot
// legally happen under the strict connect/disconnect ordering, but
// costs nothing to guard against) does not silently reapply a stale
// snapshot.
func (c *Chain) restorePreTick(ctx context.Context, sqltx *sql.Tx, height uint32) error {
	rows, err := sqltx.QueryContext(ctx, `SELECT swap_id, data FROM peg_tick_snapshots WHERE height = ?`, height)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	type snapshot struct {
		id  []byte
		enc []byte
	}
	var snapshots []snapshot
	for rows.Next() {
		var s snapshot
		if err := rows.Scan(&s.id, &s.enc); err != nil {
			rows.Close()
			return fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate snapshots: %w", err)
	}
	rows.Close()

	for _, s := range snapshots {
		sw, err := txcodec.DecodeSwap(s.enc)
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if err := c.swaps.Update(ctx, sqltx, sw); err != nil {
			return fmt.Errorf("restore swap %s: %w", sw.ID, err)
		}
		if c.notifier != nil {
			c.notifier.NotifySwapChanged(sw.ID)
		}
	}

	if _, err := sqltx.ExecContext(ctx, `DELETE FROM peg_tick_snapshots WHERE height = ?`, height); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

func (c *Chain) disconnectTx(ctx context.Context, sqltx *sql.Tx, tx *Tx) error {
	// Reverse the ledger movement first, the mirror of connectTx doing
	// it last: this tx's outputs leave the ledger, its inputs become
	// spendable again.
	for vout := range tx.Outputs {
		op := swaptypes.OutPoint{Txid: tx.TxID, Vout: uint32(vout)}
		if err := c.utxos.Remove(ctx, sqltx, op); err != nil {
			return err
		}
	}
	for _, in := range tx.Inputs {
		if err := c.utxos.Unspend(ctx, sqltx, in); err != nil {
			return err
		}
	}

	switch tx.Kind {
	case KindSwapClaim:
		// Re-lock spent inputs to the claim's SwapId; revert state to
		// ReadyToClaim.
		swap, err := c.swaps.Get(ctx, sqltx, tx.SwapClaim.SwapId)
		if err != nil {
			return err
		}
		// Re-lock every currently-unlocked input of this claim to its
		// SwapId — the exact mirror of connect's unlock step. A
		// SwapClaim only ever spends its own swap's locked outputs plus
		// unrelated already-unlocked fee-funding inputs, so any input
		// still unlocked at this point is one this claim unlocked.
		for _, in := range tx.Inputs {
			locked, err := c.locks.LockedTo(ctx, sqltx, in)
			if err != nil {
				return err
			}
			if locked == nil {
				if err := c.locks.Lock(ctx, sqltx, in, tx.SwapClaim.SwapId); err != nil {
					return err
				}
			}
		}
		swap.State = swaptypes.ReadyToClaim()
		return c.swaps.Update(ctx, sqltx, swap)

	case KindSwapCreate:
		for vout := range tx.Outputs {
			op := swaptypes.OutPoint{Txid: tx.TxID, Vout: uint32(vout)}
			if err := c.locks.Unlock(ctx, sqltx, op); err != nil {
				// An output that is already unlocked (ErrNotLocked) is
				// tolerated silently; any other error is surfaced.
				if !errors.Is(err, lockstore.ErrNotLocked) {
					return err
				}
			}
		}
		return c.swaps.Delete(ctx, sqltx, tx.SwapCreate.SwapId)

	default:
		return nil
	}
}

// AcceptToMempool runs the same validation Connect uses at connect time
// against a read snapshot of the store, so a transaction that would be
// rejected at connect is already rejected at the mempool boundary.
func (c *Chain) AcceptToMempool(ctx context.Context, tx *Tx) error {
	in := toValidatorInput(tx)
	db := c.env.DB()

	switch tx.Kind {
	case KindSwapCreate:
		_, err := c.validator.ValidateSwapCreate(ctx, db, in)
		return err
	case KindSwapClaim:
		_, err := c.validator.ValidateSwapClaim(ctx, db, in)
		return err
	default:
		return c.validator.ValidateForeignTx(ctx, db, in)
	}
}

func toValidatorInput(tx *Tx) *txvalidator.Input {
	return &txvalidator.Input{
		Inputs:     tx.Inputs,
		Outputs:    tx.Outputs,
		SwapCreate: tx.SwapCreate,
		SwapClaim:  tx.SwapClaim,
	}
}
