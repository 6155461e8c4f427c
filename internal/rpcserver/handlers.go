package rpcserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/l2addr"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txvalidator"
)

// swapView is the JSON projection of swaptypes.Swap: every byte-array
// and pointer field rendered as a plain string, the shape the
// get_swap_status/list_swaps/list_swaps_by_recipient methods return.
type swapView struct {
	SwapID                     string  `json:"swap_id"`
	ParentChain                string  `json:"parent_chain"`
	L1TxID                     *string `json:"l1_txid,omitempty"`
	RequiredConfirmations      uint32  `json:"required_confirmations"`
	State                      string  `json:"state"`
	ConfirmationsCurrent       *uint32 `json:"confirmations_current,omitempty"`
	ConfirmationsRequired      *uint32 `json:"confirmations_required,omitempty"`
	L2Recipient                *string `json:"l2_recipient,omitempty"`
	L2AmountSats               uint64  `json:"l2_amount_sats"`
	L1RecipientAddress         *string `json:"l1_recipient_address,omitempty"`
	L1AmountSats               *uint64 `json:"l1_amount_sats,omitempty"`
	L1ClaimerAddress           *string `json:"l1_claimer_address,omitempty"`
	CreatedAtHeight            uint32  `json:"created_at_height"`
	ExpiresAtHeight            *uint32 `json:"expires_at_height,omitempty"`
	L1TxIDValidatedAtBlockHash *string `json:"l1_txid_validated_at_block_hash,omitempty"`
	L1TxIDValidatedAtHeight    *uint32 `json:"l1_txid_validated_at_height,omitempty"`
}

func toSwapView(sw *swaptypes.Swap, net l2addr.Network) *swapView {
	v := &swapView{
		SwapID:                  sw.ID.String(),
		ParentChain:             sw.ParentChain.String(),
		RequiredConfirmations:   sw.RequiredConfirmations,
		State:                   sw.State.Tag.String(),
		L2AmountSats:            uint64(sw.L2Amount),
		L1RecipientAddress:      sw.L1RecipientAddress,
		L1ClaimerAddress:        sw.L1ClaimerAddress,
		CreatedAtHeight:         sw.CreatedAtHeight,
		ExpiresAtHeight:         sw.ExpiresAtHeight,
		L1TxIDValidatedAtHeight: sw.L1TxIdValidatedAtHeight,
	}
	if !sw.L1TxId.IsZero() {
		s := hex.EncodeToString(sw.L1TxId.Hash[:])
		v.L1TxID = &s
	}
	if sw.State.Tag == swaptypes.StateWaitingConfirmations {
		cur, req := sw.State.Current, sw.State.Required
		v.ConfirmationsCurrent = &cur
		v.ConfirmationsRequired = &req
	}
	if sw.L2Recipient != nil {
		if s, err := l2addr.Encode(*sw.L2Recipient, net); err == nil {
			v.L2Recipient = &s
		}
	}
	if sw.L1Amount != nil {
		a := uint64(*sw.L1Amount)
		v.L1AmountSats = &a
	}
	if sw.L1TxIdValidatedAtBlockHash != nil {
		s := hex.EncodeToString(sw.L1TxIdValidatedAtBlockHash[:])
		v.L1TxIDValidatedAtBlockHash = &s
	}
	return v
}

// createSwapParams is create_swap's parameter set. l2_sender_address is
// explicit because SwapId derivation (swapid.Of) requires the sender's
// L2 address as one of its inputs, and there is no wallet here to
// derive "the sender of the transaction's first input" from UTXO
// selection. Callers (in practice: cmd/coinshift-cli acting on behalf
// of whatever generated the outgoing L2 funds) supply it directly.
type createSwapParams struct {
	ParentChain           string  `json:"parent_chain"`
	L1RecipientAddress    string  `json:"l1_recipient_address"`
	L1AmountSats          uint64  `json:"l1_amount_sats"`
	L2SenderAddress       string  `json:"l2_sender_address"`
	L2Recipient           *string `json:"l2_recipient,omitempty"`
	L2AmountSats          uint64  `json:"l2_amount_sats"`
	RequiredConfirmations *uint32 `json:"required_confirmations,omitempty"`
	FeeSats               uint64  `json:"fee_sats"`
}

type createSwapResult struct {
	SwapID string `json:"swap_id"`
	TxID   string `json:"txid"`
}

func (s *Server) createSwap(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p createSwapParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid create_swap params: %w", err)
	}

	chain, err := chainparams.ParseTicker(p.ParentChain)
	if err != nil {
		return nil, err
	}

	requiredConf := p.RequiredConfirmations
	if requiredConf == nil {
		params, err := chainparams.Get(chain)
		if err != nil {
			return nil, err
		}
		requiredConf = &params.DefaultConfirmations
	}

	sender, err := l2addr.Decode(p.L2SenderAddress, s.addrNet)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: l2_sender_address: %w", err)
	}

	var recipient *swaptypes.Address
	var recipientBytes []byte
	if p.L2Recipient != nil {
		addr, err := l2addr.Decode(*p.L2Recipient, s.addrNet)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: l2_recipient: %w", err)
		}
		recipient = &addr
		recipientBytes = addr[:]
	}

	if p.L2AmountSats == 0 {
		return nil, fmt.Errorf("rpcserver: l2_amount_sats must be > 0")
	}

	id := swapid.Of([]byte(p.L1RecipientAddress), p.L1AmountSats, sender[:], recipientBytes)

	// Select funding inputs from the sender's unspent outputs: enough to
	// cover the escrowed amount plus the fee. Everything selected is
	// spent into the escrow output (no change output — connectTx locks
	// every output of a SwapCreate to the new swap, so change would be
	// locked along with the escrow).
	l2Amount := swaptypes.Amount(p.L2AmountSats)
	need := l2Amount.Add(swaptypes.Amount(p.FeeSats))
	inputs, total, err := s.selectInputs(ctx, sender, need)
	if err != nil {
		return nil, err
	}
	escrow := total - swaptypes.Amount(p.FeeSats)

	l1Amount := swaptypes.Amount(p.L1AmountSats)
	sc := &txvalidator.SwapCreateInput{
		SwapId:                id,
		ParentChain:           chain,
		RequiredConfirmations: *requiredConf,
		L2Recipient:           recipient,
		L2Amount:              l2Amount,
		L1RecipientAddress:    &p.L1RecipientAddress,
		L1Amount:              &l1Amount,
		SenderOfFirstInput:    sender,
	}

	// The escrow output's address is the sender's own — it has no real
	// spender until a SwapClaim unlocks it, so there is no meaningful
	// recipient to name on it.
	outputs := []txvalidator.Output{{Address: sender, Amount: escrow}}

	txid, err := s.mineTx(ctx, sidechain.KindSwapCreate, inputs, outputs, sc, nil)
	if err != nil {
		return nil, err
	}

	return &createSwapResult{SwapID: id.String(), TxID: txid.String()}, nil
}

// selectInputs picks unspent outputs belonging to addr, in deterministic
// outpoint order, until their values cover need. Outputs locked to a
// swap are skipped: an escrow output carries addr (the maker's own
// address) in the ledger but only the matching SwapClaim may spend it.
func (s *Server) selectInputs(ctx context.Context, addr swaptypes.Address, need swaptypes.Amount) ([]swaptypes.OutPoint, swaptypes.Amount, error) {
	unspent, err := s.utxos.ListUnspentByAddress(ctx, s.env.DB(), addr)
	if err != nil {
		return nil, 0, err
	}

	var inputs []swaptypes.OutPoint
	var total swaptypes.Amount
	for _, entry := range unspent {
		locked, err := s.locks.LockedTo(ctx, s.env.DB(), entry.OutPoint)
		if err != nil {
			return nil, 0, err
		}
		if locked != nil {
			continue
		}
		inputs = append(inputs, entry.OutPoint)
		total = total.Add(entry.Value)
		if total >= need {
			return inputs, total, nil
		}
	}
	return nil, 0, &txvalidator.Error{
		Kind:    txvalidator.KindInsufficientL2Amount,
		Message: fmt.Sprintf("address holds %d unspent sats, need >= %d", total, need),
	}
}

type fundAddressParams struct {
	Address    string `json:"address"`
	AmountSats uint64 `json:"amount_sats"`
}

type fundAddressResult struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// fundAddress mints an unbacked output paying address, by mining a plain
// transfer with no inputs. It is the funding half of the single-node
// stand-in described on Server: with block production, P2P, and wallets
// all out of scope, nothing else can seed the UTXO ledger that
// create_swap selects its inputs from.
func (s *Server) fundAddress(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p fundAddressParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid fund_address params: %w", err)
	}
	if p.AmountSats == 0 {
		return nil, fmt.Errorf("rpcserver: amount_sats must be > 0")
	}

	addr, err := l2addr.Decode(p.Address, s.addrNet)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: address: %w", err)
	}

	outputs := []txvalidator.Output{{Address: addr, Amount: swaptypes.Amount(p.AmountSats)}}
	txid, err := s.mineTx(ctx, sidechain.KindForeign, nil, outputs, nil, nil)
	if err != nil {
		return nil, err
	}
	return &fundAddressResult{TxID: txid.String(), Vout: 0}, nil
}

type claimSwapParams struct {
	SwapID           string  `json:"swap_id"`
	L2ClaimerAddress *string `json:"l2_claimer_address,omitempty"`
}

type claimSwapResult struct {
	TxID string `json:"txid"`
}

func (s *Server) claimSwap(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p claimSwapParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid claim_swap params: %w", err)
	}

	id, err := parseSwapID(p.SwapID)
	if err != nil {
		return nil, err
	}

	sw, err := s.swaps.Get(ctx, s.env.DB(), id)
	if err != nil {
		return nil, err
	}

	var claimer *swaptypes.Address
	if p.L2ClaimerAddress != nil {
		addr, err := l2addr.Decode(*p.L2ClaimerAddress, s.addrNet)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: l2_claimer_address: %w", err)
		}
		claimer = &addr
	}

	effectiveRecipient, err := sw.EffectiveRecipient(claimer)
	if err != nil {
		return nil, err
	}

	inputs, err := s.locks.OutputsLockedTo(ctx, s.env.DB(), id)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("rpcserver: no outputs locked to swap %s", id)
	}

	scl := &txvalidator.SwapClaimInput{
		SwapId:           id,
		L2ClaimerAddress: claimer,
	}

	outputs := []txvalidator.Output{{Address: effectiveRecipient, Amount: sw.L2Amount}}

	txid, err := s.mineTx(ctx, sidechain.KindSwapClaim, inputs, outputs, nil, scl)
	if err != nil {
		return nil, err
	}

	return &claimSwapResult{TxID: txid.String()}, nil
}

type updateSwapL1TxidParams struct {
	SwapID        string `json:"swap_id"`
	L1Txid        string `json:"l1_txid"`
	Confirmations uint32 `json:"confirmations"`
}

// updateSwapL1Txid lets an operator manually record an L1 transaction id
// for a swap, for the case the automatic discovery path
// (internal/l1observer's address/amount scan) cannot find it — an
// L1 node with a pruned mempool, for instance. It is subject to the
// same "not already claimed by another swap" check and the same
// confirmations-nonzero requirement the observer's discovery applies.
func (s *Server) updateSwapL1Txid(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p updateSwapL1TxidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid update_swap_l1_txid params: %w", err)
	}

	id, err := parseSwapID(p.SwapID)
	if err != nil {
		return nil, err
	}

	txidBytes, err := hex.DecodeString(p.L1Txid)
	if err != nil || len(txidBytes) != 32 {
		return nil, fmt.Errorf("rpcserver: l1_txid must be 32 bytes of hex")
	}
	var hash [32]byte
	copy(hash[:], txidBytes)

	if p.Confirmations == 0 {
		return nil, fmt.Errorf("rpcserver: confirmations must be > 0 (only a block-included L1 tx can be recorded)")
	}

	sw, err := s.swaps.Get(ctx, s.env.DB(), id)
	if err != nil {
		return nil, err
	}
	if sw.State.Tag.IsTerminal() {
		return nil, fmt.Errorf("rpcserver: swap %s is %s and cannot be updated", id, sw.State)
	}

	existing, err := s.swaps.GetByL1Txid(ctx, s.env.DB(), sw.ParentChain, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil && *existing != id {
		return nil, fmt.Errorf("rpcserver: l1_txid already claimed by swap %s", existing)
	}

	sw.L1TxId = swaptypes.NewSwapTxId(hash)
	if p.Confirmations >= sw.RequiredConfirmations {
		sw.State = swaptypes.ReadyToClaim()
	} else {
		sw.State = swaptypes.WaitingConfirmations(p.Confirmations, sw.RequiredConfirmations)
	}

	if err := s.updateSwap(ctx, sw); err != nil {
		return nil, err
	}

	s.NotifySwapChanged(id)
	return toSwapView(sw, s.addrNet), nil
}

type getSwapStatusParams struct {
	SwapID string `json:"swap_id"`
}

func (s *Server) getSwapStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getSwapStatusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid get_swap_status params: %w", err)
	}
	id, err := parseSwapID(p.SwapID)
	if err != nil {
		return nil, err
	}
	sw, err := s.swaps.Get(ctx, s.env.DB(), id)
	if err != nil {
		return nil, err
	}
	return toSwapView(sw, s.addrNet), nil
}

type listSwapsResult struct {
	Swaps []*swapView `json:"swaps"`
}

func (s *Server) listSwaps(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	all, err := s.swaps.ListAll(ctx, s.env.DB())
	if err != nil {
		return nil, err
	}
	views := make([]*swapView, len(all))
	for i, sw := range all {
		views[i] = toSwapView(sw, s.addrNet)
	}
	return &listSwapsResult{Swaps: views}, nil
}

type listSwapsByRecipientParams struct {
	L2Recipient string `json:"l2_recipient"`
}

func (s *Server) listSwapsByRecipient(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p listSwapsByRecipientParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("rpcserver: invalid list_swaps_by_recipient params: %w", err)
	}

	recipient, err := l2addr.Decode(p.L2Recipient, s.addrNet)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: l2_recipient: %w", err)
	}

	ids, err := s.swaps.ListByRecipient(ctx, s.env.DB(), recipient)
	if err != nil {
		return nil, err
	}

	views := make([]*swapView, 0, len(ids))
	for _, id := range ids {
		sw, err := s.swaps.Get(ctx, s.env.DB(), id)
		if err != nil {
			return nil, err
		}
		views = append(views, toSwapView(sw, s.addrNet))
	}
	return &listSwapsResult{Swaps: views}, nil
}

type reconstructSwapsResult struct {
	OK bool `json:"ok"`
}

func (s *Server) reconstructSwaps(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if err := s.recoverer.Reconstruct(ctx); err != nil {
		return nil, err
	}
	return &reconstructSwapsResult{OK: true}, nil
}

func parseSwapID(s string) (swapid.ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return swapid.ID{}, fmt.Errorf("rpcserver: invalid swap_id hex: %w", err)
	}
	id, ok := swapid.FromBytes(b)
	if !ok {
		return swapid.ID{}, fmt.Errorf("rpcserver: swap_id must be %d bytes", swapid.Size)
	}
	return id, nil
}
