package utxostore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
)

func newTestStore(t *testing.T) (*kvstore.Env, *Store) {
	t.Helper()
	env, err := kvstore.Open(kvstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open env: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env, New()
}

func outpoint(b byte, vout uint32) swaptypes.OutPoint {
	var txid swaptypes.Txid
	txid[0] = b
	return swaptypes.OutPoint{Txid: txid, Vout: vout}
}

func put(t *testing.T, env *kvstore.Env, s *Store, op swaptypes.OutPoint, addr swaptypes.Address, value swaptypes.Amount) {
	t.Helper()
	ctx := context.Background()
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.Put(ctx, tx, op, addr, value)
	}); err != nil {
		t.Fatalf("put %s: %v", op, err)
	}
}

func TestPutAndGet(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	addr := swaptypes.Address{0x11}
	op := outpoint(1, 0)
	put(t, env, s, op, addr, 50000)

	entry, err := s.Get(ctx, env.DB(), op)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil || entry.Value != 50000 || entry.Address != addr || entry.Spent {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestPutRejectsDuplicate(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	op := outpoint(1, 0)
	put(t, env, s, op, swaptypes.Address{0x11}, 1)

	err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.Put(ctx, tx, op, swaptypes.Address{0x22}, 2)
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMarkSpentAndUnspendRoundTrip(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	op := outpoint(2, 0)
	put(t, env, s, op, swaptypes.Address{0x11}, 100)

	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.MarkSpent(ctx, tx, op, 7)
	}); err != nil {
		t.Fatalf("mark spent: %v", err)
	}
	entry, err := s.Get(ctx, env.DB(), op)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entry.Spent {
		t.Fatal("expected entry spent")
	}

	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.Unspend(ctx, tx, op)
	}); err != nil {
		t.Fatalf("unspend: %v", err)
	}
	entry, err = s.Get(ctx, env.DB(), op)
	if err != nil {
		t.Fatalf("get after unspend: %v", err)
	}
	if entry.Spent {
		t.Fatal("expected entry unspent again")
	}
}

func TestMarkSpentToleratesUnknownOutpoint(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.MarkSpent(ctx, tx, outpoint(9, 9), 1)
	}); err != nil {
		t.Fatalf("expected unknown outpoint tolerated, got %v", err)
	}
}

func TestSumUnspentSkipsSpentAndUnknown(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	addr := swaptypes.Address{0x11}
	a, b, c := outpoint(1, 0), outpoint(1, 1), outpoint(1, 2)
	put(t, env, s, a, addr, 30000)
	put(t, env, s, b, addr, 20000)
	put(t, env, s, c, addr, 50000)
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.MarkSpent(ctx, tx, c, 3)
	}); err != nil {
		t.Fatalf("mark spent: %v", err)
	}

	total, err := s.SumUnspent(ctx, env.DB(), []swaptypes.OutPoint{a, b, c, outpoint(8, 0)})
	if err != nil {
		t.Fatalf("sum unspent: %v", err)
	}
	if total != 50000 {
		t.Fatalf("expected 50000 (spent and unknown contribute nothing), got %d", total)
	}
}

func TestListUnspentByAddress(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	alice := swaptypes.Address{0x11}
	bob := swaptypes.Address{0x22}
	put(t, env, s, outpoint(1, 0), alice, 10)
	put(t, env, s, outpoint(2, 0), alice, 20)
	put(t, env, s, outpoint(3, 0), bob, 30)
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.MarkSpent(ctx, tx, outpoint(2, 0), 1)
	}); err != nil {
		t.Fatalf("mark spent: %v", err)
	}

	entries, err := s.ListUnspentByAddress(ctx, env.DB(), alice)
	if err != nil {
		t.Fatalf("list unspent: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != 10 {
		t.Fatalf("expected only alice's unspent 10-sat entry, got %+v", entries)
	}
}

func TestRemoveAndClear(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	op := outpoint(4, 0)
	put(t, env, s, op, swaptypes.Address{0x11}, 1)
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.Remove(ctx, tx, op)
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entry, err := s.Get(ctx, env.DB(), op)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected entry removed, got %+v", entry)
	}

	put(t, env, s, outpoint(5, 0), swaptypes.Address{0x11}, 1)
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return s.Clear(ctx, tx)
	}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, err := s.ListUnspentByAddress(ctx, env.DB(), swaptypes.Address{0x11})
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty ledger after clear, got %+v", entries)
	}
}
