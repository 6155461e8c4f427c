package txcodec

import (
	"bytes"
	"testing"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
)

func TestSwapCreateRoundTripClosedOffer(t *testing.T) {
	addr := swaptypes.Address{1, 2, 3}
	l1addr := "bc1q_alice"
	l1amt := uint64(100000)

	id := swapid.Of([]byte(l1addr), l1amt, []byte{0x11}, addr[:])

	sc := &SwapCreate{
		SwapId:                id,
		ParentChain:           chainparams.BTC,
		L1TxIdBytes:           make([]byte, 32),
		RequiredConfirmations: 6,
		L2Recipient:           &addr,
		L2Amount:              50000,
		L1RecipientAddress:    &l1addr,
		L1Amount:              &l1amt,
	}

	enc, err := EncodeSwapCreate(sc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSwapCreate(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if dec.SwapId != sc.SwapId {
		t.Fatal("swap id mismatch")
	}
	if dec.ParentChain != sc.ParentChain {
		t.Fatal("parent chain mismatch")
	}
	if !bytes.Equal(dec.L1TxIdBytes, sc.L1TxIdBytes) {
		t.Fatal("l1 txid bytes mismatch")
	}
	if dec.RequiredConfirmations != sc.RequiredConfirmations {
		t.Fatal("confirmations mismatch")
	}
	if dec.L2Recipient == nil || *dec.L2Recipient != *sc.L2Recipient {
		t.Fatal("l2 recipient mismatch")
	}
	if dec.L2Amount != sc.L2Amount {
		t.Fatal("l2 amount mismatch")
	}
	if dec.L1RecipientAddress == nil || *dec.L1RecipientAddress != *sc.L1RecipientAddress {
		t.Fatal("l1 recipient address mismatch")
	}
	if dec.L1Amount == nil || *dec.L1Amount != *sc.L1Amount {
		t.Fatal("l1 amount mismatch")
	}
}

func TestSwapCreateRoundTripOpenOffer(t *testing.T) {
	l1addr := "bc1q_alice"
	l1amt := uint64(100000)
	id := swapid.Of([]byte(l1addr), l1amt, []byte{0x11}, nil)

	sc := &SwapCreate{
		SwapId:                id,
		ParentChain:           chainparams.Regtest,
		L1TxIdBytes:           nil,
		RequiredConfirmations: 1,
		L2Recipient:           nil,
		L2Amount:              50000,
		L1RecipientAddress:    &l1addr,
		L1Amount:              &l1amt,
	}

	enc, err := EncodeSwapCreate(sc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSwapCreate(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.L2Recipient != nil {
		t.Fatal("expected nil l2 recipient for open offer")
	}
	if len(dec.L1TxIdBytes) != 0 {
		t.Fatal("expected empty l1 txid bytes")
	}
}

func TestSwapClaimRoundTrip(t *testing.T) {
	claimer := swaptypes.Address{9, 9, 9}
	var h [32]byte
	h[0] = 0x77
	sid, _ := swapid.FromBytes(h[:])

	sc := &SwapClaim{
		SwapId:           sid,
		L2ClaimerAddress: &claimer,
		ProofData:        []byte("reserved"),
	}

	enc, err := EncodeSwapClaim(sc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSwapClaim(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SwapId != sc.SwapId {
		t.Fatal("swap id mismatch")
	}
	if dec.L2ClaimerAddress == nil || *dec.L2ClaimerAddress != *sc.L2ClaimerAddress {
		t.Fatal("claimer mismatch")
	}
	if !bytes.Equal(dec.ProofData, sc.ProofData) {
		t.Fatal("proof data mismatch")
	}
}

func TestSwapClaimRoundTripNoProof(t *testing.T) {
	var h [32]byte
	sid, _ := swapid.FromBytes(h[:])
	sc := &SwapClaim{SwapId: sid}

	enc, err := EncodeSwapClaim(sc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSwapClaim(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.L2ClaimerAddress != nil {
		t.Fatal("expected nil claimer")
	}
	if dec.ProofData != nil {
		t.Fatal("expected nil proof data")
	}
}

func TestSwapRecordRoundTrip(t *testing.T) {
	recipient := swaptypes.Address{4, 5, 6}
	l1addr := "bc1q_alice"
	l1amt := swaptypes.Amount(100000)
	claimer := "bc1q_stranger"
	expires := uint32(500)
	var bh swaptypes.BlockHash
	bh[0] = 0xab
	validatedHeight := uint32(42)

	var hash [32]byte
	hash[0] = 0xcd

	s := &swaptypes.Swap{
		ID:                         swapid.Of([]byte(l1addr), 100000, []byte{1}, recipient[:]),
		ParentChain:                chainparams.LTC,
		L1TxId:                     swaptypes.NewSwapTxId(hash),
		RequiredConfirmations:      12,
		State:                      swaptypes.WaitingConfirmations(3, 12),
		L2Recipient:                &recipient,
		L2Amount:                   50000,
		L1RecipientAddress:         &l1addr,
		L1Amount:                   &l1amt,
		L1ClaimerAddress:           &claimer,
		CreatedAtHeight:            100,
		ExpiresAtHeight:            &expires,
		L1TxIdValidatedAtBlockHash: &bh,
		L1TxIdValidatedAtHeight:    &validatedHeight,
	}

	enc, err := EncodeSwap(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc[0] != SchemaVersion {
		t.Fatal("expected leading schema version byte")
	}

	dec, err := DecodeSwap(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if dec.ID != s.ID {
		t.Fatal("id mismatch")
	}
	if dec.ParentChain != s.ParentChain {
		t.Fatal("parent chain mismatch")
	}
	if dec.L1TxId.Tag != s.L1TxId.Tag || dec.L1TxId.Hash != s.L1TxId.Hash {
		t.Fatal("l1 txid mismatch")
	}
	if dec.State.Tag != s.State.Tag || dec.State.Current != s.State.Current || dec.State.Required != s.State.Required {
		t.Fatal("state mismatch")
	}
	if dec.L2Recipient == nil || *dec.L2Recipient != *s.L2Recipient {
		t.Fatal("l2 recipient mismatch")
	}
	if dec.L2Amount != s.L2Amount {
		t.Fatal("l2 amount mismatch")
	}
	if dec.L1RecipientAddress == nil || *dec.L1RecipientAddress != *s.L1RecipientAddress {
		t.Fatal("l1 recipient address mismatch")
	}
	if dec.L1Amount == nil || *dec.L1Amount != *s.L1Amount {
		t.Fatal("l1 amount mismatch")
	}
	if dec.L1ClaimerAddress == nil || *dec.L1ClaimerAddress != *s.L1ClaimerAddress {
		t.Fatal("l1 claimer address mismatch")
	}
	if dec.CreatedAtHeight != s.CreatedAtHeight {
		t.Fatal("created at height mismatch")
	}
	if dec.ExpiresAtHeight == nil || *dec.ExpiresAtHeight != *s.ExpiresAtHeight {
		t.Fatal("expires at height mismatch")
	}
	if dec.L1TxIdValidatedAtBlockHash == nil || *dec.L1TxIdValidatedAtBlockHash != *s.L1TxIdValidatedAtBlockHash {
		t.Fatal("validated block hash mismatch")
	}
	if dec.L1TxIdValidatedAtHeight == nil || *dec.L1TxIdValidatedAtHeight != *s.L1TxIdValidatedAtHeight {
		t.Fatal("validated height mismatch")
	}
}

func TestSwapRecordRoundTripMinimalFields(t *testing.T) {
	s := &swaptypes.Swap{
		ID:                    swapid.Of([]byte("addr"), 1, []byte{1}, nil),
		ParentChain:           chainparams.BTC,
		L1TxId:                swaptypes.ZeroSwapTxId,
		RequiredConfirmations: 6,
		State:                 swaptypes.Pending(),
		L2Amount:              1,
		CreatedAtHeight:       0,
	}

	enc, err := EncodeSwap(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSwap(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.L2Recipient != nil || dec.L1RecipientAddress != nil || dec.L1Amount != nil ||
		dec.L1ClaimerAddress != nil || dec.ExpiresAtHeight != nil ||
		dec.L1TxIdValidatedAtBlockHash != nil || dec.L1TxIdValidatedAtHeight != nil {
		t.Fatal("expected all optional fields nil")
	}
	if !dec.L1TxId.IsZero() {
		t.Fatal("expected zero l1 txid")
	}
}

func TestDecodeSwapRejectsUnknownSchemaVersion(t *testing.T) {
	s := &swaptypes.Swap{
		ID:          swapid.Of([]byte("addr"), 1, []byte{1}, nil),
		ParentChain: chainparams.BTC,
		L1TxId:      swaptypes.ZeroSwapTxId,
		State:       swaptypes.Pending(),
		L2Amount:    1,
	}
	enc, err := EncodeSwap(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	enc[0] = 99
	if _, err := DecodeSwap(enc); err == nil {
		t.Fatal("expected error for unsupported schema version")
	}
}
