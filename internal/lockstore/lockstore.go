// Package lockstore maps locked UTXO outpoints to the SwapId that owns
// them. Lock exclusivity holds by construction: Lock refuses to
// overwrite an existing entry, and Unlock refuses to remove one that
// isn't there.
package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
)

// ErrAlreadyLocked is returned by Lock when the outpoint is already in
// the store.
var ErrAlreadyLocked = errors.New("lockstore: outpoint already locked")

// ErrNotLocked is returned by Unlock when the outpoint is not present.
var ErrNotLocked = errors.New("lockstore: outpoint not locked")

// Querier is satisfied by both *sql.DB and *sql.Tx, so read operations
// can run either inside an ongoing write transaction or against a
// standalone snapshot.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// execQuerier is additionally satisfied by types that can mutate.
type execQuerier interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the lock store, operating against whatever transaction or
// connection it is given per call — it holds no connection of its own,
// since every mutation must run inside the caller's single write
// transaction.
type Store struct{}

// New constructs a lock store. It is stateless; all state lives in the
// shared kvstore.Env tables.
func New() *Store {
	return &Store{}
}

// Lock inserts outpoint -> swapId, failing if the outpoint is already
// locked.
func (s *Store) Lock(ctx context.Context, q execQuerier, outpoint swaptypes.OutPoint, id swapid.ID) error {
	existing, err := s.LockedTo(ctx, q, outpoint)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, outpoint)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO locked_swap_outputs (txid, vout, swap_id) VALUES (?, ?, ?)`,
		outpoint.Txid[:], outpoint.Vout, id[:])
	if err != nil {
		return fmt.Errorf("lockstore: lock %s: %w", outpoint, err)
	}
	return nil
}

// Unlock removes outpoint's lock entry, failing if not present.
func (s *Store) Unlock(ctx context.Context, q execQuerier, outpoint swaptypes.OutPoint) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM locked_swap_outputs WHERE txid = ? AND vout = ?`,
		outpoint.Txid[:], outpoint.Vout)
	if err != nil {
		return fmt.Errorf("lockstore: unlock %s: %w", outpoint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lockstore: unlock %s: %w", outpoint, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotLocked, outpoint)
	}
	return nil
}

// Clear empties the lock table, used by recovery before a from-genesis
// replay.
func (s *Store) Clear(ctx context.Context, q execQuerier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM locked_swap_outputs`); err != nil {
		return fmt.Errorf("lockstore: clear: %w", err)
	}
	return nil
}

// LockedTo looks up the SwapId an outpoint is locked to, if any.
func (s *Store) LockedTo(ctx context.Context, q Querier, outpoint swaptypes.OutPoint) (*swapid.ID, error) {
	row := q.QueryRowContext(ctx,
		`SELECT swap_id FROM locked_swap_outputs WHERE txid = ? AND vout = ?`,
		outpoint.Txid[:], outpoint.Vout)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockstore: locked_to %s: %w", outpoint, err)
	}

	id, ok := swapid.FromBytes(raw)
	if !ok {
		return nil, fmt.Errorf("lockstore: corrupt swap_id for %s", outpoint)
	}
	return &id, nil
}

// OutputsLockedTo returns every outpoint currently locked to id, the
// inverse lookup block disconnect needs to re-lock a SwapClaim's spent
// inputs.
func (s *Store) OutputsLockedTo(ctx context.Context, q Querier, id swapid.ID) ([]swaptypes.OutPoint, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT txid, vout FROM locked_swap_outputs WHERE swap_id = ?`, id[:])
	if err != nil {
		return nil, fmt.Errorf("lockstore: outputs_locked_to %s: %w", id, err)
	}
	defer rows.Close()

	var out []swaptypes.OutPoint
	for rows.Next() {
		var txidBytes []byte
		var vout uint32
		if err := rows.Scan(&txidBytes, &vout); err != nil {
			return nil, fmt.Errorf("lockstore: scan outputs_locked_to: %w", err)
		}
		var txid swaptypes.Txid
		copy(txid[:], txidBytes)
		out = append(out, swaptypes.OutPoint{Txid: txid, Vout: vout})
	}
	return out, rows.Err()
}
