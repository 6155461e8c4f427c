// Package swapstore is the primary Swap-keyed store plus its three
// secondary indexes (by L1 txid, by state, by recipient). Every write
// maintains all indexes under the caller's single write transaction and
// performs an integrity-on-write round-trip check that makes a schema
// regression fail loudly at the block that caused it rather than at
// some later read.
package swapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txcodec"
	"github.com/coinshift/coinshift/pkg/helpers"
)

// ErrNotFound is returned when a SwapId has no record.
var ErrNotFound = errors.New("swapstore: swap not found")

// ErrAlreadyExists is returned by Create when the SwapId is already
// present.
var ErrAlreadyExists = errors.New("swapstore: swap already exists")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execQuerier interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the swap store. Like lockstore.Store it is stateless; all
// data lives in the shared kvstore.Env tables.
type Store struct{}

// New constructs a swap store.
func New() *Store {
	return &Store{}
}

// nextRecipientSeq allocates the monotonic sequence number that orders
// a recipient's swaps_by_recipient entries by creation.
func nextRecipientSeq(ctx context.Context, q execQuerier, recipient []byte) (int64, error) {
	row := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM swaps_by_recipient WHERE recipient = ?`, recipient)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Create inserts a brand-new Swap, failing if its id already exists.
// Used by block connect on a validated SwapCreate.
func (s *Store) Create(ctx context.Context, q execQuerier, sw *swaptypes.Swap) error {
	existing, err := s.Get(ctx, q, sw.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sw.ID)
	}
	return s.put(ctx, q, sw, nil)
}

// Update overwrites an existing Swap, erasing any stale index entries
// before writing new ones. Fails if the swap does not exist.
func (s *Store) Update(ctx context.Context, q execQuerier, sw *swaptypes.Swap) error {
	old, err := s.Get(ctx, q, sw.ID)
	if err != nil {
		return err
	}
	return s.put(ctx, q, sw, old)
}

// put performs the actual multi-index write plus integrity-on-write
// check. old is nil on first insert.
func (s *Store) put(ctx context.Context, q execQuerier, sw *swaptypes.Swap, old *swaptypes.Swap) error {
	enc, err := txcodec.EncodeSwap(sw)
	if err != nil {
		return fmt.Errorf("swapstore: encode %s: %w", sw.ID, err)
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO swaps (swap_id, data) VALUES (?, ?)
		 ON CONFLICT(swap_id) DO UPDATE SET data = excluded.data`,
		sw.ID[:], enc); err != nil {
		return fmt.Errorf("swapstore: write %s: %w", sw.ID, err)
	}

	if err := s.reindex(ctx, q, sw, old); err != nil {
		return err
	}

	// Integrity-on-write: round-trip read + deserialize; on failure,
	// delete the offending key and surface the error so the regression
	// is caught at the block that caused it.
	if _, err := s.Get(ctx, q, sw.ID); err != nil {
		if delErr := s.deleteAll(ctx, q, sw.ID, sw); delErr != nil {
			return fmt.Errorf("swapstore: corrupt write for %s, cleanup also failed: %v (original: %w)", sw.ID, delErr, err)
		}
		return fmt.Errorf("swapstore: integrity check failed for %s, key deleted: %w", sw.ID, err)
	}

	return nil
}

// reindex erases stale index entries (computed from old, when present)
// and writes the new ones for sw's current field values.
func (s *Store) reindex(ctx context.Context, q execQuerier, sw *swaptypes.Swap, old *swaptypes.Swap) error {
	// swaps_by_l1_txid: only indexed when l1_txid != Zero.
	if old != nil && !old.L1TxId.IsZero() {
		changed := old.L1TxId.Tag != sw.L1TxId.Tag || old.L1TxId.Hash != sw.L1TxId.Hash || old.ParentChain != sw.ParentChain
		if changed {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM swaps_by_l1_txid WHERE parent_chain = ? AND l1_txid = ?`,
				byte(old.ParentChain), old.L1TxId.Hash[:]); err != nil {
				return fmt.Errorf("swapstore: reindex l1_txid delete: %w", err)
			}
		}
	}
	if !sw.L1TxId.IsZero() {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO swaps_by_l1_txid (parent_chain, l1_txid, swap_id) VALUES (?, ?, ?)
			 ON CONFLICT(parent_chain, l1_txid) DO UPDATE SET swap_id = excluded.swap_id`,
			byte(sw.ParentChain), sw.L1TxId.Hash[:], sw.ID[:]); err != nil {
			return fmt.Errorf("swapstore: reindex l1_txid insert: %w", err)
		}
	}

	// swaps_by_state.
	if old != nil && old.State.Tag != sw.State.Tag {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM swaps_by_state WHERE state_tag = ? AND swap_id = ?`,
			byte(old.State.Tag), sw.ID[:]); err != nil {
			return fmt.Errorf("swapstore: reindex state delete: %w", err)
		}
	}
	if old == nil || old.State.Tag != sw.State.Tag {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO swaps_by_state (state_tag, swap_id) VALUES (?, ?)`,
			byte(sw.State.Tag), sw.ID[:]); err != nil {
			return fmt.Errorf("swapstore: reindex state insert: %w", err)
		}
	}

	// swaps_by_recipient: only indexed for closed offers, append-only.
	if old == nil && sw.L2Recipient != nil {
		seq, err := nextRecipientSeq(ctx, q, sw.L2Recipient[:])
		if err != nil {
			return fmt.Errorf("swapstore: reindex recipient seq: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO swaps_by_recipient (recipient, swap_id, seq) VALUES (?, ?, ?)`,
			sw.L2Recipient[:], sw.ID[:], seq); err != nil {
			return fmt.Errorf("swapstore: reindex recipient insert: %w", err)
		}
	}

	return nil
}

// Get reads and deserializes a Swap by id.
func (s *Store) Get(ctx context.Context, q Querier, id swapid.ID) (*swaptypes.Swap, error) {
	row := q.QueryRowContext(ctx, `SELECT data FROM swaps WHERE swap_id = ?`, id[:])
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("swapstore: get %s: %w", id, err)
	}

	sw, err := txcodec.DecodeSwap(data)
	if err != nil {
		return nil, fmt.Errorf("swapstore: decode %s: %w", id, err)
	}
	return sw, nil
}

// Delete removes a Swap and all its index entries (used by SwapCreate
// disconnect and by reconstruction).
func (s *Store) Delete(ctx context.Context, q execQuerier, id swapid.ID) error {
	sw, err := s.Get(ctx, q, id)
	if err != nil {
		return err
	}
	return s.deleteAll(ctx, q, id, sw)
}

func (s *Store) deleteAll(ctx context.Context, q execQuerier, id swapid.ID, sw *swaptypes.Swap) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM swaps WHERE swap_id = ?`, id[:]); err != nil {
		return fmt.Errorf("swapstore: delete %s: %w", id, err)
	}
	if sw == nil {
		return nil
	}
	if !sw.L1TxId.IsZero() {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM swaps_by_l1_txid WHERE parent_chain = ? AND l1_txid = ?`,
			byte(sw.ParentChain), sw.L1TxId.Hash[:]); err != nil {
			return fmt.Errorf("swapstore: delete l1_txid index %s: %w", id, err)
		}
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM swaps_by_state WHERE state_tag = ? AND swap_id = ?`,
		byte(sw.State.Tag), id[:]); err != nil {
		return fmt.Errorf("swapstore: delete state index %s: %w", id, err)
	}
	if sw.L2Recipient != nil {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM swaps_by_recipient WHERE recipient = ? AND swap_id = ?`,
			sw.L2Recipient[:], id[:]); err != nil {
			return fmt.Errorf("swapstore: delete recipient index %s: %w", id, err)
		}
	}
	return nil
}

// GetByL1Txid resolves the (ParentChainType, SwapTxId) index to a
// SwapId, or nil if unassigned — the lookup that keeps one L1 payment
// from filling two swaps.
func (s *Store) GetByL1Txid(ctx context.Context, q Querier, chain chainparams.Type, txidHash [32]byte) (*swapid.ID, error) {
	row := q.QueryRowContext(ctx,
		`SELECT swap_id FROM swaps_by_l1_txid WHERE parent_chain = ? AND l1_txid = ?`,
		byte(chain), txidHash[:])
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("swapstore: get_by_l1_txid: %w", err)
	}
	id, ok := swapid.FromBytes(raw)
	if !ok {
		return nil, fmt.Errorf("swapstore: corrupt swap_id in l1_txid index")
	}
	return &id, nil
}

// ListByState returns every SwapId currently filed under stateTag,
// byte-sorted, matching the deterministic ordering the observer
// iterates in.
func (s *Store) ListByState(ctx context.Context, q Querier, stateTag swaptypes.SwapStateTag) ([]swapid.ID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT swap_id FROM swaps_by_state WHERE state_tag = ? ORDER BY swap_id`, byte(stateTag))
	if err != nil {
		return nil, fmt.Errorf("swapstore: list_by_state: %w", err)
	}
	defer rows.Close()

	var ids []swapid.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("swapstore: scan list_by_state: %w", err)
		}
		id, ok := swapid.FromBytes(raw)
		if !ok {
			return nil, fmt.Errorf("swapstore: corrupt swap_id in state index")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListNonFinal returns every Pending or WaitingConfirmations SwapId in
// byte order — the exact input set the observer consumes each tick.
func (s *Store) ListNonFinal(ctx context.Context, q Querier) ([]swapid.ID, error) {
	pending, err := s.ListByState(ctx, q, swaptypes.StatePending)
	if err != nil {
		return nil, err
	}
	waiting, err := s.ListByState(ctx, q, swaptypes.StateWaitingConfirmations)
	if err != nil {
		return nil, err
	}
	all := append(pending, waiting...)
	sort.Slice(all, func(i, j int) bool {
		return lessID(all[i], all[j])
	})
	return all, nil
}

func lessID(a, b swapid.ID) bool {
	return helpers.CompareBytes(a[:], b[:]) < 0
}

// ListByRecipient returns every SwapId filed under recipient, in the
// order they were created.
func (s *Store) ListByRecipient(ctx context.Context, q Querier, recipient swaptypes.Address) ([]swapid.ID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT swap_id FROM swaps_by_recipient WHERE recipient = ? ORDER BY seq`, recipient[:])
	if err != nil {
		return nil, fmt.Errorf("swapstore: list_by_recipient: %w", err)
	}
	defer rows.Close()

	var ids []swapid.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("swapstore: scan list_by_recipient: %w", err)
		}
		id, ok := swapid.FromBytes(raw)
		if !ok {
			return nil, fmt.Errorf("swapstore: corrupt swap_id in recipient index")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAll returns every swap in the store.
func (s *Store) ListAll(ctx context.Context, q Querier) ([]*swaptypes.Swap, error) {
	rows, err := q.QueryContext(ctx, `SELECT data FROM swaps ORDER BY swap_id`)
	if err != nil {
		return nil, fmt.Errorf("swapstore: list_all: %w", err)
	}
	defer rows.Close()

	var out []*swaptypes.Swap
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("swapstore: scan list_all: %w", err)
		}
		sw, err := txcodec.DecodeSwap(data)
		if err != nil {
			return nil, fmt.Errorf("swapstore: decode in list_all: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// ScanCorrupt reads every row of the primary swaps table and attempts
// to decode it, returning the SwapId of every row that fails to decode
// without aborting the scan — the startup integrity check recovery
// runs.
func (s *Store) ScanCorrupt(ctx context.Context, q Querier) ([]swapid.ID, error) {
	rows, err := q.QueryContext(ctx, `SELECT swap_id, data FROM swaps`)
	if err != nil {
		return nil, fmt.Errorf("swapstore: scan_corrupt: %w", err)
	}
	defer rows.Close()

	var corrupt []swapid.ID
	for rows.Next() {
		var idRaw, data []byte
		if err := rows.Scan(&idRaw, &data); err != nil {
			return nil, fmt.Errorf("swapstore: scan_corrupt row: %w", err)
		}
		id, ok := swapid.FromBytes(idRaw)
		if !ok {
			return nil, fmt.Errorf("swapstore: scan_corrupt: corrupt swap_id key")
		}
		if _, err := txcodec.DecodeSwap(data); err != nil {
			corrupt = append(corrupt, id)
		}
	}
	return corrupt, rows.Err()
}

// Clear empties all four tables, used by recovery before a from-genesis
// replay.
func (s *Store) Clear(ctx context.Context, q execQuerier) error {
	for _, table := range []string{"swaps", "swaps_by_l1_txid", "swaps_by_state", "swaps_by_recipient"} {
		if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("swapstore: clear %s: %w", table, err)
		}
	}
	return nil
}
