// Package utxostore tracks the sidechain's transaction outputs with
// their addresses and values — the ledger the SwapCreate
// input-sufficiency check reads and the wallet-less RPC surface selects
// funding inputs from. Spending marks an entry rather than deleting it,
// so a block disconnect can restore the spent set exactly.
package utxostore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coinshift/coinshift/internal/swaptypes"
)

// ErrAlreadyExists is returned by Put when the outpoint is already in
// the ledger.
var ErrAlreadyExists = errors.New("utxostore: outpoint already exists")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execQuerier interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Entry is one ledger row.
type Entry struct {
	OutPoint swaptypes.OutPoint
	Address  swaptypes.Address
	Value    swaptypes.Amount
	Spent    bool
}

// Store is the UTXO ledger. Like lockstore.Store it is stateless; all
// data lives in the shared kvstore.Env tables.
type Store struct{}

// New constructs a UTXO store.
func New() *Store {
	return &Store{}
}

// Put records a freshly created output as unspent.
func (s *Store) Put(ctx context.Context, q execQuerier, op swaptypes.OutPoint, addr swaptypes.Address, value swaptypes.Amount) error {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO sidechain_utxos (txid, vout, address, value, spent_at_height)
		 VALUES (?, ?, ?, ?, NULL)`,
		op.Txid[:], op.Vout, addr[:], uint64(value))
	if err != nil {
		return fmt.Errorf("utxostore: put %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("utxostore: put %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, op)
	}
	return nil
}

// MarkSpent flags op as spent by the block at height. An outpoint the
// ledger never saw is tolerated silently: foreign transactions may
// reference value from outside the swap subsystem's view, and the
// validator already treats such inputs as worth nothing.
func (s *Store) MarkSpent(ctx context.Context, q execQuerier, op swaptypes.OutPoint, height uint32) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sidechain_utxos SET spent_at_height = ? WHERE txid = ? AND vout = ?`,
		height, op.Txid[:], op.Vout)
	if err != nil {
		return fmt.Errorf("utxostore: mark spent %s: %w", op, err)
	}
	return nil
}

// Unspend clears op's spent flag, the disconnect mirror of MarkSpent.
// Tolerates an unknown outpoint the same way.
func (s *Store) Unspend(ctx context.Context, q execQuerier, op swaptypes.OutPoint) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sidechain_utxos SET spent_at_height = NULL WHERE txid = ? AND vout = ?`,
		op.Txid[:], op.Vout)
	if err != nil {
		return fmt.Errorf("utxostore: unspend %s: %w", op, err)
	}
	return nil
}

// Remove deletes op from the ledger entirely, for disconnecting the
// block that created it.
func (s *Store) Remove(ctx context.Context, q execQuerier, op swaptypes.OutPoint) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM sidechain_utxos WHERE txid = ? AND vout = ?`,
		op.Txid[:], op.Vout); err != nil {
		return fmt.Errorf("utxostore: remove %s: %w", op, err)
	}
	return nil
}

// Get reads one ledger row, or nil if the outpoint is unknown.
func (s *Store) Get(ctx context.Context, q Querier, op swaptypes.OutPoint) (*Entry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT address, value, spent_at_height IS NOT NULL FROM sidechain_utxos WHERE txid = ? AND vout = ?`,
		op.Txid[:], op.Vout)

	var addrBytes []byte
	var value uint64
	var spent bool
	if err := row.Scan(&addrBytes, &value, &spent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("utxostore: get %s: %w", op, err)
	}
	addr, err := swaptypes.AddressFromBytes(addrBytes)
	if err != nil {
		return nil, fmt.Errorf("utxostore: corrupt address for %s: %w", op, err)
	}
	return &Entry{OutPoint: op, Address: addr, Value: swaptypes.Amount(value), Spent: spent}, nil
}

// SumUnspent returns the total value of the unspent entries among ops.
// Unknown or already-spent outpoints contribute nothing — an input the
// ledger cannot vouch for carries no value.
func (s *Store) SumUnspent(ctx context.Context, q Querier, ops []swaptypes.OutPoint) (swaptypes.Amount, error) {
	var total swaptypes.Amount
	for _, op := range ops {
		entry, err := s.Get(ctx, q, op)
		if err != nil {
			return 0, err
		}
		if entry == nil || entry.Spent {
			continue
		}
		total = total.Add(entry.Value)
	}
	return total, nil
}

// ListUnspentByAddress returns every unspent entry paying addr, ordered
// by outpoint so selection is deterministic.
func (s *Store) ListUnspentByAddress(ctx context.Context, q Querier, addr swaptypes.Address) ([]Entry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT txid, vout, value FROM sidechain_utxos
		 WHERE address = ? AND spent_at_height IS NULL ORDER BY txid, vout`,
		addr[:])
	if err != nil {
		return nil, fmt.Errorf("utxostore: list unspent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var txidBytes []byte
		var vout uint32
		var value uint64
		if err := rows.Scan(&txidBytes, &vout, &value); err != nil {
			return nil, fmt.Errorf("utxostore: scan unspent: %w", err)
		}
		var txid swaptypes.Txid
		copy(txid[:], txidBytes)
		out = append(out, Entry{
			OutPoint: swaptypes.OutPoint{Txid: txid, Vout: vout},
			Address:  addr,
			Value:    swaptypes.Amount(value),
		})
	}
	return out, rows.Err()
}

// Clear empties the ledger, used by recovery before a from-genesis
// replay.
func (s *Store) Clear(ctx context.Context, q execQuerier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sidechain_utxos`); err != nil {
		return fmt.Errorf("utxostore: clear: %w", err)
	}
	return nil
}
