// Package txvalidator validates SwapCreate and SwapClaim transactions
// against current swap/lock state, and applies the locked-input rule
// every other transaction is subject to. Validation is a pure function
// of (stores, candidate tx) -> (effects | error); it performs no I/O of
// its own and never mutates anything — the caller (block connect)
// applies the returned Effects inside its own write transaction.
package txvalidator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/lockstore"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/utxostore"
	"github.com/coinshift/coinshift/pkg/helpers"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindSwapIdMismatch         Kind = "SwapIdMismatch"
	KindSwapAlreadyExists      Kind = "SwapAlreadyExists"
	KindSwapNotFound           Kind = "SwapNotFound"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindLockedInputViolation   Kind = "LockedInputViolation"
	KindInsufficientL2Amount   Kind = "InsufficientL2Amount"
)

// Error is a structured validation failure. None of these are fatal to
// the node; they reject the offending transaction only.
type Error struct {
	Kind     Kind
	Message  string
	Expected string // populated for SwapIdMismatch
	Got      string // populated for SwapIdMismatch
}

func (e *Error) Error() string {
	if e.Kind == KindSwapIdMismatch {
		return fmt.Sprintf("%s: %s (expected=%s got=%s)", e.Kind, e.Message, e.Expected, e.Got)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Input is a candidate transaction's shape, abstracted away from any
// concrete sidechain transaction representation so this package has no
// dependency on internal/sidechain (kept acyclic: sidechain depends on
// txvalidator, not the other way around).
type Input struct {
	Inputs  []swaptypes.OutPoint
	Outputs []Output

	// SwapCreate is non-nil iff this tx carries a SwapCreate payload.
	SwapCreate *SwapCreateInput
	// SwapClaim is non-nil iff this tx carries a SwapClaim payload.
	SwapClaim *SwapClaimInput
}

// Output is one transaction output's address/amount pair.
type Output struct {
	Address swaptypes.Address
	Amount  swaptypes.Amount
}

// SwapCreateInput carries a SwapCreate transaction's decoded fields.
type SwapCreateInput struct {
	SwapId                swapid.ID
	ParentChain           chainparams.Type
	L1TxIdBytes           []byte
	RequiredConfirmations uint32
	L2Recipient           *swaptypes.Address
	L2Amount              swaptypes.Amount
	L1RecipientAddress    *string
	L1Amount              *swaptypes.Amount
	SenderOfFirstInput    swaptypes.Address
}

// SwapClaimInput carries a SwapClaim transaction's decoded fields.
type SwapClaimInput struct {
	SwapId           swapid.ID
	L2ClaimerAddress *swaptypes.Address
}

// Effects describes the store mutations block connect must apply once a
// candidate transaction is accepted. The validator computes these but
// never applies them itself. A SwapCreate's output locks carry no entry
// here: the validator never sees the tx's own txid, so the caller locks
// every output of the accepted tx to NewSwap.ID directly.
type Effects struct {
	// NewSwap is set when a SwapCreate is accepted.
	NewSwap *swaptypes.Swap

	// ClaimedSwapID is set when a SwapClaim is accepted.
	ClaimedSwapID swapid.ID
	// UnlockOutputs are the inputs to unlock on claim.
	UnlockOutputs []swaptypes.OutPoint
}

// Validator validates candidate transactions against the current store
// state. It reads through Querier so it can run either against a live
// write transaction (block connect) or a read snapshot (mempool
// acceptance).
type Validator struct {
	swaps *swapstore.Store
	locks *lockstore.Store
	utxos *utxostore.Store
}

// New constructs a Validator over the given stores.
func New(swaps *swapstore.Store, locks *lockstore.Store, utxos *utxostore.Store) *Validator {
	return &Validator{swaps: swaps, locks: locks, utxos: utxos}
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ValidateSwapCreate checks a candidate SwapCreate: positive amount,
// matching recomputed id, unused swap_id, no locked inputs, and an
// unclaimed L1 txid when one is preloaded.
func (v *Validator) ValidateSwapCreate(ctx context.Context, q Querier, tx *Input) (*Effects, error) {
	sc := tx.SwapCreate
	if sc == nil {
		return nil, newErr(KindSwapIdMismatch, "not a SwapCreate transaction")
	}

	// l2_amount > 0, and the tx has at least one output to lock.
	if sc.L2Amount == 0 {
		return nil, newErr(KindInsufficientL2Amount, "l2_amount must be > 0")
	}
	if len(tx.Outputs) == 0 {
		return nil, newErr(KindInsufficientL2Amount, "transaction has no outputs")
	}

	// Recompute and compare swap_id. l1_recipient_address and
	// l1_amount must be present (out of scope: L1->L2).
	if sc.L1RecipientAddress == nil || sc.L1Amount == nil {
		return nil, newErr(KindSwapIdMismatch, "l1_recipient_address and l1_amount are required")
	}
	var l2RecipientBytes []byte
	if sc.L2Recipient != nil {
		l2RecipientBytes = sc.L2Recipient[:]
	}
	expected := swapid.Of([]byte(*sc.L1RecipientAddress), uint64(*sc.L1Amount), sc.SenderOfFirstInput[:], l2RecipientBytes)
	if expected != sc.SwapId {
		return nil, &Error{
			Kind:     KindSwapIdMismatch,
			Message:  "computed swap_id does not match tx-carried swap_id",
			Expected: expected.String(),
			Got:      sc.SwapId.String(),
		}
	}

	// The swap_id must not already exist.
	if _, err := v.swaps.Get(ctx, q, sc.SwapId); err == nil {
		return nil, newErr(KindSwapAlreadyExists, "swap_id %s already exists", sc.SwapId)
	} else if !errors.Is(err, swapstore.ErrNotFound) {
		return nil, err
	}

	// No input may be locked.
	if err := v.checkNoLockedInputs(ctx, q, tx.Inputs, ""); err != nil {
		return nil, err
	}

	// The inputs must carry at least the value being escrowed. An input
	// the UTXO ledger cannot vouch for contributes nothing.
	inputValue, err := v.utxos.SumUnspent(ctx, q, tx.Inputs)
	if err != nil {
		return nil, err
	}
	if inputValue < sc.L2Amount {
		return nil, newErr(KindInsufficientL2Amount, "inputs carry %d sats, need >= %d", inputValue, sc.L2Amount)
	}

	// If l1_txid_bytes is present and nonzero, it must not already
	// be claimed by another swap.
	if len(sc.L1TxIdBytes) == 32 && !helpers.IsZeroBytes(sc.L1TxIdBytes) {
		var hash [32]byte
		copy(hash[:], sc.L1TxIdBytes)
		existing, err := v.swaps.GetByL1Txid(ctx, q, sc.ParentChain, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, newErr(KindSwapAlreadyExists, "l1_txid already claimed by swap %s", existing)
		}
	}

	l1TxId := swaptypes.ZeroSwapTxId
	if len(sc.L1TxIdBytes) == 32 && !helpers.IsZeroBytes(sc.L1TxIdBytes) {
		var hash [32]byte
		copy(hash[:], sc.L1TxIdBytes)
		l1TxId = swaptypes.NewSwapTxId(hash)
	}

	swap := &swaptypes.Swap{
		ID:                    sc.SwapId,
		ParentChain:           sc.ParentChain,
		L1TxId:                l1TxId,
		RequiredConfirmations: sc.RequiredConfirmations,
		State:                 swaptypes.Pending(),
		L2Recipient:           sc.L2Recipient,
		L2Amount:              sc.L2Amount,
		L1RecipientAddress:    sc.L1RecipientAddress,
		L1Amount:              sc.L1Amount,
	}

	return &Effects{
		NewSwap: swap,
	}, nil
}

// ValidateSwapClaim checks a candidate SwapClaim: the swap exists and
// is ReadyToClaim, the claim spends that swap's locked outputs and no
// other swap's, and its outputs pay the effective recipient in full.
func (v *Validator) ValidateSwapClaim(ctx context.Context, q Querier, tx *Input) (*Effects, error) {
	sclaim := tx.SwapClaim
	if sclaim == nil {
		return nil, newErr(KindSwapNotFound, "not a SwapClaim transaction")
	}

	swap, err := v.swaps.Get(ctx, q, sclaim.SwapId)
	if err != nil {
		if errors.Is(err, swapstore.ErrNotFound) {
			return nil, newErr(KindSwapNotFound, "swap_id %s not found", sclaim.SwapId)
		}
		return nil, err
	}

	if swap.State.Tag != swaptypes.StateReadyToClaim {
		return nil, newErr(KindInvalidStateTransition, "swap %s is %s, not ReadyToClaim", sclaim.SwapId, swap.State)
	}

	lockedInputs, foreignLocked, err := v.partitionLockedInputs(ctx, q, tx.Inputs, sclaim.SwapId)
	if err != nil {
		return nil, err
	}
	if len(foreignLocked) > 0 {
		return nil, newErr(KindLockedInputViolation, "claim references input(s) locked to a different swap")
	}
	if len(lockedInputs) == 0 {
		return nil, newErr(KindLockedInputViolation, "claim has no input locked to swap_id %s", sclaim.SwapId)
	}

	effectiveRecipient, err := swap.EffectiveRecipient(sclaim.L2ClaimerAddress)
	if err != nil {
		return nil, newErr(KindInvalidStateTransition, "%v", err)
	}

	var paidToRecipient swaptypes.Amount
	for _, out := range tx.Outputs {
		if out.Address == effectiveRecipient {
			paidToRecipient = paidToRecipient.Add(out.Amount)
		}
	}
	if paidToRecipient < swap.L2Amount {
		return nil, newErr(KindInsufficientL2Amount, "claim pays %d to recipient, need >= %d", paidToRecipient, swap.L2Amount)
	}

	return &Effects{
		ClaimedSwapID: sclaim.SwapId,
		UnlockOutputs: lockedInputs,
	}, nil
}

// ValidateForeignTx applies the locked-input rule to a transaction that
// is neither SwapCreate nor SwapClaim: no input may be locked to any
// swap.
func (v *Validator) ValidateForeignTx(ctx context.Context, q Querier, tx *Input) error {
	return v.checkNoLockedInputs(ctx, q, tx.Inputs, "")
}

func (v *Validator) checkNoLockedInputs(ctx context.Context, q Querier, inputs []swaptypes.OutPoint, _ string) error {
	for _, in := range inputs {
		locked, err := v.locks.LockedTo(ctx, q, in)
		if err != nil {
			return err
		}
		if locked != nil {
			return newErr(KindLockedInputViolation, "input %s is locked to swap %s", in, locked)
		}
	}
	return nil
}

// partitionLockedInputs splits tx's inputs into those locked to id and
// those locked to some other swap.
func (v *Validator) partitionLockedInputs(ctx context.Context, q Querier, inputs []swaptypes.OutPoint, id swapid.ID) (matched, foreign []swaptypes.OutPoint, err error) {
	for _, in := range inputs {
		locked, lerr := v.locks.LockedTo(ctx, q, in)
		if lerr != nil {
			return nil, nil, lerr
		}
		if locked == nil {
			continue // non-locked input, allowed for fee funding
		}
		if *locked == id {
			matched = append(matched, in)
		} else {
			foreign = append(foreign, in)
		}
	}
	return matched, foreign, nil
}
