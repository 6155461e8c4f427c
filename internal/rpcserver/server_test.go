package rpcserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coinshift/coinshift/internal/blocklog"
	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/l2addr"
	"github.com/coinshift/coinshift/internal/lockstore"
	"github.com/coinshift/coinshift/internal/recovery"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txvalidator"
	"github.com/coinshift/coinshift/internal/utxostore"
)

func newTestServer(t *testing.T) (*Server, *kvstore.Env, *swapstore.Store) {
	t.Helper()

	env, err := kvstore.Open(kvstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open env: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	swaps := swapstore.New()
	locks := lockstore.New()
	utxos := utxostore.New()
	validator := txvalidator.New(swaps, locks, utxos)
	chain := sidechain.New(env, swaps, locks, utxos, validator, nil)
	blocks := blocklog.New(env)
	recoverer := recovery.New(env, swaps, locks, utxos, blocks)

	s, err := New(context.Background(), Config{
		Env:       env,
		Chain:     chain,
		Swaps:     swaps,
		Locks:     locks,
		Utxos:     utxos,
		Recoverer: recoverer,
		Blocks:    blocks,
		AddrNet:   l2addr.Regtest,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s, env, swaps
}

// fund mints spendable sats to addr through the fund_address stand-in,
// the way an operator would before posting an offer.
func fund(t *testing.T, s *Server, addr swaptypes.Address, amount uint64) {
	t.Helper()
	_, err := s.fundAddress(context.Background(), mustJSON(t, map[string]interface{}{
		"address":     encodeAddr(t, addr),
		"amount_sats": amount,
	}))
	if err != nil {
		t.Fatalf("fund_address: %v", err)
	}
}

func encodeAddr(t *testing.T, addr swaptypes.Address) string {
	t.Helper()
	s, err := l2addr.Encode(addr, l2addr.Regtest)
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	return s
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return b
}

func createTestSwap(t *testing.T, s *Server, sender, recipient swaptypes.Address) swapid.ID {
	t.Helper()
	fund(t, s, sender, 50000)
	result, err := s.createSwap(context.Background(), mustJSON(t, map[string]interface{}{
		"parent_chain":         "Regtest",
		"l1_recipient_address": "bcrt1q_alice",
		"l1_amount_sats":       100000,
		"l2_sender_address":    encodeAddr(t, sender),
		"l2_recipient":         encodeAddr(t, recipient),
		"l2_amount_sats":       50000,
	}))
	if err != nil {
		t.Fatalf("create_swap: %v", err)
	}
	idHex := result.(*createSwapResult).SwapID
	idBytes, err := hex.DecodeString(idHex)
	if err != nil {
		t.Fatalf("decode swap_id: %v", err)
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		t.Fatalf("swap_id wrong length: %s", idHex)
	}
	return id
}

func TestCreateSwapComputesDeterministicId(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	expected := swapid.Of([]byte("bcrt1q_alice"), 100000, sender[:], recipient[:])
	if id != expected {
		t.Fatalf("expected swap_id %s, got %s", expected, id)
	}
}

func TestCreateSwapThenGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	result, err := s.getSwapStatus(context.Background(), mustJSON(t, map[string]string{"swap_id": id.String()}))
	if err != nil {
		t.Fatalf("get_swap_status: %v", err)
	}
	view := result.(*swapView)
	if view.State != "Pending" {
		t.Fatalf("expected Pending, got %s", view.State)
	}
	if view.RequiredConfirmations != 1 {
		t.Fatalf("expected Regtest default of 1 confirmation, got %d", view.RequiredConfirmations)
	}
}

// TestCreateSwapRejectedWithoutFunds: an offer cannot be posted unless
// the sender's unspent outputs cover the escrowed amount plus fee.
func TestCreateSwapRejectedWithoutFunds(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	_, err := s.createSwap(context.Background(), mustJSON(t, map[string]interface{}{
		"parent_chain":         "Regtest",
		"l1_recipient_address": "bcrt1q_alice",
		"l1_amount_sats":       100000,
		"l2_sender_address":    encodeAddr(t, sender),
		"l2_recipient":         encodeAddr(t, recipient),
		"l2_amount_sats":       50000,
	}))
	var verr *txvalidator.Error
	if err == nil || !asValidatorError(err, &verr) || verr.Kind != txvalidator.KindInsufficientL2Amount {
		t.Fatalf("expected InsufficientL2Amount for unfunded sender, got %v", err)
	}
}

func TestCreateSwapDuplicateRejectedWithKindCode(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	createTestSwap(t, s, sender, recipient)

	// Fresh funds, so the duplicate reaches the swap-id check instead of
	// failing input selection first.
	fund(t, s, sender, 50000)

	// The duplicate goes through the full JSON-RPC envelope so the
	// error Kind -> code mapping is what's actually asserted.
	body := mustJSON(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "create_swap",
		"params": map[string]interface{}{
			"parent_chain":         "Regtest",
			"l1_recipient_address": "bcrt1q_alice",
			"l1_amount_sats":       100000,
			"l2_sender_address":    encodeAddr(t, sender),
			"l2_recipient":         encodeAddr(t, recipient),
			"l2_amount_sats":       50000,
		},
	})
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected duplicate create to be rejected")
	}
	if resp.Error.Code != codeSwapAlreadyExists {
		t.Fatalf("expected code %d, got %d (%s)", codeSwapAlreadyExists, resp.Error.Code, resp.Error.Message)
	}
}

func TestClaimSwapCompletesReadySwap(t *testing.T) {
	s, env, swaps := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	// Stand in for the L1 observer driving Pending -> ReadyToClaim.
	ctx := context.Background()
	if err := env.WriteTx(ctx, func(tx *sql.Tx) error {
		sw, err := swaps.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		sw.L1TxId = swaptypes.NewSwapTxId([32]byte{0xaa})
		sw.State = swaptypes.ReadyToClaim()
		return swaps.Update(ctx, tx, sw)
	}); err != nil {
		t.Fatalf("force ready-to-claim: %v", err)
	}

	if _, err := s.claimSwap(ctx, mustJSON(t, map[string]string{"swap_id": id.String()})); err != nil {
		t.Fatalf("claim_swap: %v", err)
	}

	sw, err := swaps.Get(ctx, env.DB(), id)
	if err != nil {
		t.Fatalf("get swap: %v", err)
	}
	if sw.State.Tag != swaptypes.StateCompleted {
		t.Fatalf("expected Completed after claim, got %s", sw.State)
	}
}

func TestClaimSwapRejectedWhilePending(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	_, err := s.claimSwap(context.Background(), mustJSON(t, map[string]string{"swap_id": id.String()}))
	if err == nil {
		t.Fatal("expected claim of a Pending swap to be rejected")
	}
	var verr *txvalidator.Error
	if !asValidatorError(err, &verr) || verr.Kind != txvalidator.KindInvalidStateTransition {
		t.Fatalf("expected InvalidStateTransition, got %v", err)
	}
}

func TestUpdateSwapL1TxidRequiresNonzeroConfirmations(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	txidHex := strings.Repeat("ab", 32)
	_, err := s.updateSwapL1Txid(context.Background(), mustJSON(t, map[string]interface{}{
		"swap_id":       id.String(),
		"l1_txid":       txidHex,
		"confirmations": 0,
	}))
	if err == nil || !strings.Contains(err.Error(), "confirmations") {
		t.Fatalf("expected confirmations-nonzero rejection, got %v", err)
	}
}

func TestUpdateSwapL1TxidAdvancesState(t *testing.T) {
	s, env, swaps := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	id := createTestSwap(t, s, sender, recipient)

	txidHex := strings.Repeat("ab", 32)
	result, err := s.updateSwapL1Txid(context.Background(), mustJSON(t, map[string]interface{}{
		"swap_id":       id.String(),
		"l1_txid":       txidHex,
		"confirmations": 1,
	}))
	if err != nil {
		t.Fatalf("update_swap_l1_txid: %v", err)
	}
	if view := result.(*swapView); view.State != "ReadyToClaim" {
		t.Fatalf("expected ReadyToClaim (1 conf >= required 1), got %s", view.State)
	}

	sw, err := swaps.Get(context.Background(), env.DB(), id)
	if err != nil {
		t.Fatalf("get swap: %v", err)
	}
	if sw.L1TxId.IsZero() {
		t.Fatal("expected l1_txid recorded")
	}
}

func TestUpdateSwapL1TxidRejectsAlreadyUsedTxid(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	first := createTestSwap(t, s, sender, swaptypes.Address{0x22})

	// A second offer with different terms, so both swaps coexist.
	fund(t, s, sender, 70000)
	result, err := s.createSwap(context.Background(), mustJSON(t, map[string]interface{}{
		"parent_chain":         "Regtest",
		"l1_recipient_address": "bcrt1q_bob",
		"l1_amount_sats":       200000,
		"l2_sender_address":    encodeAddr(t, sender),
		"l2_recipient":         encodeAddr(t, swaptypes.Address{0x33}),
		"l2_amount_sats":       70000,
	}))
	if err != nil {
		t.Fatalf("create second swap: %v", err)
	}
	second := result.(*createSwapResult).SwapID

	txidHex := strings.Repeat("cd", 32)
	if _, err := s.updateSwapL1Txid(context.Background(), mustJSON(t, map[string]interface{}{
		"swap_id":       first.String(),
		"l1_txid":       txidHex,
		"confirmations": 1,
	})); err != nil {
		t.Fatalf("first update: %v", err)
	}

	_, err = s.updateSwapL1Txid(context.Background(), mustJSON(t, map[string]interface{}{
		"swap_id":       second,
		"l1_txid":       txidHex,
		"confirmations": 1,
	}))
	if err == nil || !strings.Contains(err.Error(), "already claimed") {
		t.Fatalf("expected l1_txid-already-used rejection, got %v", err)
	}
}

func TestListSwapsAndListByRecipient(t *testing.T) {
	s, _, _ := newTestServer(t)

	sender := swaptypes.Address{0x11}
	recipient := swaptypes.Address{0x22}
	createTestSwap(t, s, sender, recipient)

	result, err := s.listSwaps(context.Background(), nil)
	if err != nil {
		t.Fatalf("list_swaps: %v", err)
	}
	if got := len(result.(*listSwapsResult).Swaps); got != 1 {
		t.Fatalf("expected 1 swap, got %d", got)
	}

	result, err = s.listSwapsByRecipient(context.Background(), mustJSON(t, map[string]string{
		"l2_recipient": encodeAddr(t, recipient),
	}))
	if err != nil {
		t.Fatalf("list_swaps_by_recipient: %v", err)
	}
	if got := len(result.(*listSwapsResult).Swaps); got != 1 {
		t.Fatalf("expected 1 swap for recipient, got %d", got)
	}

	result, err = s.listSwapsByRecipient(context.Background(), mustJSON(t, map[string]string{
		"l2_recipient": encodeAddr(t, swaptypes.Address{0x99}),
	}))
	if err != nil {
		t.Fatalf("list_swaps_by_recipient (other): %v", err)
	}
	if got := len(result.(*listSwapsResult).Swaps); got != 0 {
		t.Fatalf("expected no swaps for uninvolved recipient, got %d", got)
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := mustJSON(t, map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "no_such_method",
	})
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}
