package swapstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
)

func newTestEnv(t *testing.T) *kvstore.Env {
	t.Helper()
	env, err := kvstore.Open(kvstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test env: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func sampleSwap(recipient *swaptypes.Address) *swaptypes.Swap {
	return &swaptypes.Swap{
		ID:                    swapid.Of([]byte("bc1q_alice"), 100000, []byte{1}, nil),
		ParentChain:           chainparams.BTC,
		L1TxId:                swaptypes.ZeroSwapTxId,
		RequiredConfirmations: 6,
		State:                 swaptypes.Pending(),
		L2Recipient:           recipient,
		L2Amount:              50000,
		CreatedAtHeight:       10,
	}
}

func TestCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	sw := sampleSwap(nil)

	err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.Create(ctx, tx, sw)
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, env.DB(), sw.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sw.ID || got.L2Amount != sw.L2Amount {
		t.Fatal("round-tripped swap does not match")
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	sw := sampleSwap(nil)

	_ = env.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.Create(ctx, tx, sw)
	})

	err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		return store.Create(ctx, tx, sw)
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	var id swapid.ID
	id[0] = 0xff

	_, err := store.Get(ctx, env.DB(), id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReindexesL1TxidAndState(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	sw := sampleSwap(nil)

	_ = env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Create(ctx, tx, sw) })

	var hash [32]byte
	hash[0] = 0xaa
	sw.L1TxId = swaptypes.NewSwapTxId(hash)
	sw.State = swaptypes.WaitingConfirmations(1, 6)

	err := env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Update(ctx, tx, sw) })
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	gotID, err := store.GetByL1Txid(ctx, env.DB(), chainparams.BTC, hash)
	if err != nil {
		t.Fatalf("get_by_l1_txid: %v", err)
	}
	if gotID == nil || *gotID != sw.ID {
		t.Fatal("l1_txid index not updated")
	}

	pending, err := store.ListByState(ctx, env.DB(), swaptypes.StatePending)
	if err != nil {
		t.Fatalf("list_by_state pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatal("expected no swaps left in Pending state index")
	}

	waiting, err := store.ListByState(ctx, env.DB(), swaptypes.StateWaitingConfirmations)
	if err != nil {
		t.Fatalf("list_by_state waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0] != sw.ID {
		t.Fatal("expected swap filed under WaitingConfirmations")
	}
}

func TestUpdateErasesStaleL1TxidOnChange(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	sw := sampleSwap(nil)

	var hash1 [32]byte
	hash1[0] = 0x11
	sw.L1TxId = swaptypes.NewSwapTxId(hash1)
	_ = env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Create(ctx, tx, sw) })

	var hash2 [32]byte
	hash2[0] = 0x22
	sw.L1TxId = swaptypes.NewSwapTxId(hash2)
	err := env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Update(ctx, tx, sw) })
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	stale, err := store.GetByL1Txid(ctx, env.DB(), chainparams.BTC, hash1)
	if err != nil {
		t.Fatalf("get_by_l1_txid stale: %v", err)
	}
	if stale != nil {
		t.Fatal("stale l1_txid index entry should have been erased")
	}
}

func TestListByRecipientOrdering(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	recipient := swaptypes.Address{7, 7, 7}

	sw1 := sampleSwap(&recipient)
	sw1.ID = swapid.Of([]byte("a1"), 1, []byte{1}, recipient[:])
	sw2 := sampleSwap(&recipient)
	sw2.ID = swapid.Of([]byte("a2"), 2, []byte{2}, recipient[:])

	_ = env.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := store.Create(ctx, tx, sw1); err != nil {
			return err
		}
		return store.Create(ctx, tx, sw2)
	})

	ids, err := store.ListByRecipient(ctx, env.DB(), recipient)
	if err != nil {
		t.Fatalf("list_by_recipient: %v", err)
	}
	if len(ids) != 2 || ids[0] != sw1.ID || ids[1] != sw2.ID {
		t.Fatal("expected creation-ordered recipient list")
	}
}

func TestDeleteRemovesAllIndexes(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	recipient := swaptypes.Address{3, 3, 3}
	sw := sampleSwap(&recipient)

	var hash [32]byte
	hash[0] = 0x55
	sw.L1TxId = swaptypes.NewSwapTxId(hash)

	_ = env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Create(ctx, tx, sw) })

	err := env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Delete(ctx, tx, sw.ID) })
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.Get(ctx, env.DB(), sw.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected swap gone after delete")
	}
	if id, _ := store.GetByL1Txid(ctx, env.DB(), chainparams.BTC, hash); id != nil {
		t.Fatal("expected l1_txid index entry gone after delete")
	}
	ids, _ := store.ListByRecipient(ctx, env.DB(), recipient)
	if len(ids) != 0 {
		t.Fatal("expected recipient index entry gone after delete")
	}
	pending, _ := store.ListByState(ctx, env.DB(), swaptypes.StatePending)
	if len(pending) != 0 {
		t.Fatal("expected state index entry gone after delete")
	}
}

func TestListNonFinalOrdering(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()

	sw1 := sampleSwap(nil)
	sw1.ID = swapid.Of([]byte("a"), 1, []byte{1}, nil)
	sw2 := sampleSwap(nil)
	sw2.ID = swapid.Of([]byte("b"), 2, []byte{2}, nil)
	sw2.State = swaptypes.WaitingConfirmations(1, 2)
	sw3 := sampleSwap(nil)
	sw3.ID = swapid.Of([]byte("c"), 3, []byte{3}, nil)
	sw3.State = swaptypes.Completed()

	_ = env.WriteTx(ctx, func(tx *sql.Tx) error {
		for _, s := range []*swaptypes.Swap{sw1, sw2, sw3} {
			if err := store.Create(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})

	ids, err := store.ListNonFinal(ctx, env.DB())
	if err != nil {
		t.Fatalf("list_non_final: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 non-final swaps, got %d", len(ids))
	}
	if !lessOrEqual(ids[0], ids[1]) {
		t.Fatal("expected byte-ordered result")
	}
}

func lessOrEqual(a, b swapid.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	store := New()
	ctx := context.Background()
	sw := sampleSwap(nil)
	_ = env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Create(ctx, tx, sw) })

	err := env.WriteTx(ctx, func(tx *sql.Tx) error { return store.Clear(ctx, tx) })
	if err != nil {
		t.Fatalf("clear: %v", err)
	}

	all, err := store.ListAll(ctx, env.DB())
	if err != nil {
		t.Fatalf("list_all: %v", err)
	}
	if len(all) != 0 {
		t.Fatal("expected empty store after clear")
	}
}
