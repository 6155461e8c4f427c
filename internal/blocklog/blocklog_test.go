package blocklog

import (
	"context"
	"database/sql"
	"testing"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txvalidator"
)

func openEnv(t *testing.T) *kvstore.Env {
	t.Helper()
	env, err := kvstore.Open(kvstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func sampleBlock(height uint32) *sidechain.Block {
	var sender, recipient swaptypes.Address
	sender[0] = 0xaa
	recipient[0] = 0xbb
	l1addr := "bc1qexampleaddress"
	l1amt := swaptypes.Amount(50000)

	var txid swaptypes.Txid
	txid[0] = byte(height)

	id := swapid.Of([]byte(l1addr), uint64(l1amt), sender[:], recipient[:])

	createTx := sidechain.Tx{
		TxID: txid,
		Kind: sidechain.KindSwapCreate,
		Outputs: []txvalidator.Output{
			{Address: recipient, Amount: 1000},
		},
		SwapCreate: &txvalidator.SwapCreateInput{
			SwapId:                id,
			ParentChain:           chainparams.BTC,
			RequiredConfirmations: 6,
			L2Recipient:           &recipient,
			L2Amount:              1000,
			L1RecipientAddress:    &l1addr,
			L1Amount:              &l1amt,
			SenderOfFirstInput:    sender,
		},
	}

	return &sidechain.Block{
		Height:     height,
		Hash:       swaptypes.BlockHash{byte(height), 1},
		PrevHash:   swaptypes.BlockHash{byte(height - 1)},
		Txs:        []sidechain.Tx{createTx},
		PegAdvance: &sidechain.PegAdvance{MainchainHeight: 900 + height},
	}
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	block := sampleBlock(5)

	data, err := encodeBlock(block)
	if err != nil {
		t.Fatalf("encodeBlock: %v", err)
	}

	got, err := decodeBlock(data)
	if err != nil {
		t.Fatalf("decodeBlock: %v", err)
	}

	if got.Height != block.Height || got.Hash != block.Hash || got.PrevHash != block.PrevHash {
		t.Fatalf("block header mismatch: got %+v", got)
	}
	if got.PegAdvance == nil || got.PegAdvance.MainchainHeight != block.PegAdvance.MainchainHeight {
		t.Fatalf("peg advance mismatch: got %+v", got.PegAdvance)
	}
	if len(got.Txs) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(got.Txs))
	}
	gotTx := got.Txs[0]
	wantTx := block.Txs[0]
	if gotTx.TxID != wantTx.TxID || gotTx.Kind != wantTx.Kind {
		t.Fatalf("tx header mismatch: got %+v", gotTx)
	}
	if gotTx.SwapCreate == nil || gotTx.SwapCreate.SwapId != wantTx.SwapCreate.SwapId {
		t.Fatalf("swap create mismatch: got %+v", gotTx.SwapCreate)
	}
	if gotTx.SwapCreate.SenderOfFirstInput != wantTx.SwapCreate.SenderOfFirstInput {
		t.Fatalf("sender mismatch: got %x want %x", gotTx.SwapCreate.SenderOfFirstInput, wantTx.SwapCreate.SenderOfFirstInput)
	}
}

func TestAppendAndReplay(t *testing.T) {
	env := openEnv(t)
	store := New(env)
	ctx := context.Background()

	for h := uint32(0); h < 3; h++ {
		block := sampleBlock(h)
		err := env.WriteTx(ctx, func(tx *sql.Tx) error {
			return store.Append(ctx, tx, block)
		})
		if err != nil {
			t.Fatalf("Append height %d: %v", h, err)
		}
	}

	tip, err := store.TipHeight(ctx)
	if err != nil {
		t.Fatalf("TipHeight: %v", err)
	}
	if tip != 2 {
		t.Fatalf("expected tip height 2, got %d", tip)
	}

	got, err := store.BlockAt(ctx, 1)
	if err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	if got == nil || got.Height != 1 {
		t.Fatalf("expected block at height 1, got %+v", got)
	}

	missing, err := store.BlockAt(ctx, 99)
	if err != nil {
		t.Fatalf("BlockAt missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unlogged height, got %+v", missing)
	}
}
