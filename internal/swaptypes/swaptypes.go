// Package swaptypes holds the core value types of the swap subsystem:
// Address, OutPoint, Amount, SwapTxId, SwapState, and the Swap record
// itself. These are plain value types with byte equality; no
// serialization logic lives here (see internal/txcodec).
package swaptypes

import (
	"fmt"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/swapid"
)

// AddressSize is the fixed length of a sidechain Address value.
const AddressSize = 20

// Address is an opaque sidechain address.
type Address [AddressSize]byte

// String renders the address as lowercase hex.
func (a Address) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, AddressSize*2)
	for i, b := range a {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0x0f]
	}
	return string(buf)
}

// AddressFromBytes builds an Address from a slice, rejecting any length
// other than AddressSize.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("swaptypes: address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// TxidSize is the length of a sidechain transaction id or block hash.
const TxidSize = 32

// Txid identifies a sidechain transaction.
type Txid [TxidSize]byte

// BlockHash identifies a sidechain block.
type BlockHash [TxidSize]byte

func (h BlockHash) String() string { return hashString(h[:]) }
func (t Txid) String() string      { return hashString(t[:]) }

func hashString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, len(b)*2)
	for i, c := range b {
		buf[i*2] = hexdigits[c>>4]
		buf[i*2+1] = hexdigits[c&0x0f]
	}
	return string(buf)
}

// OutPoint identifies one UTXO on the sidechain.
type OutPoint struct {
	Txid Txid
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Vout)
}

// Amount is a nonnegative satoshi count. Arithmetic on Amount saturates
// at the uint64 ceiling; every legitimate input is bounded well below
// that by the 21M BTC supply, so saturation only ever triggers on
// adversarial input.
type Amount uint64

// Add returns a+b, saturating instead of wrapping.
func (a Amount) Add(b Amount) Amount {
	sum := a + b
	if sum < a {
		return Amount(^uint64(0))
	}
	return sum
}

// SwapTxIdTag discriminates the SwapTxId sum type on the wire.
type SwapTxIdTag byte

const (
	// SwapTxIdZero is the sentinel meaning "L1 tx not yet observed".
	SwapTxIdZero SwapTxIdTag = iota
	// SwapTxIdHash carries a 32-byte L1 transaction id.
	SwapTxIdHash
)

// SwapTxId is a tagged union: either the Zero sentinel or a concrete
// 32-byte L1 transaction hash. Both forms must round-trip through
// serialization.
type SwapTxId struct {
	Tag  SwapTxIdTag
	Hash [32]byte // only meaningful when Tag == SwapTxIdHash
}

// ZeroSwapTxId is the "not yet observed" sentinel value.
var ZeroSwapTxId = SwapTxId{Tag: SwapTxIdZero}

// NewSwapTxId builds a Hash-tagged SwapTxId from raw bytes.
func NewSwapTxId(hash [32]byte) SwapTxId {
	return SwapTxId{Tag: SwapTxIdHash, Hash: hash}
}

// IsZero reports whether this is the Zero sentinel.
func (s SwapTxId) IsZero() bool { return s.Tag == SwapTxIdZero }

func (s SwapTxId) String() string {
	if s.IsZero() {
		return "zero"
	}
	return hashString(s.Hash[:])
}

// SwapStateTag discriminates the SwapState sum type on the wire; values
// are fixed once released.
type SwapStateTag byte

const (
	StatePending SwapStateTag = iota
	StateWaitingConfirmations
	StateReadyToClaim
	StateCompleted
	StateCancelled
)

func (t SwapStateTag) String() string {
	switch t {
	case StatePending:
		return "Pending"
	case StateWaitingConfirmations:
		return "WaitingConfirmations"
	case StateReadyToClaim:
		return "ReadyToClaim"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("SwapStateTag(%d)", byte(t))
	}
}

// IsTerminal reports whether the state never transitions again on
// forward progress.
func (t SwapStateTag) IsTerminal() bool {
	return t == StateCompleted || t == StateCancelled
}

// SwapState is the closed sum type of swap lifecycle states.
// WaitingConfirmations is the only variant carrying a payload
// (Current/Required); the rest are carried purely by Tag.
type SwapState struct {
	Tag      SwapStateTag
	Current  uint32 // meaningful only when Tag == StateWaitingConfirmations
	Required uint32 // meaningful only when Tag == StateWaitingConfirmations
}

// Pending is the SwapState an offer starts in.
func Pending() SwapState { return SwapState{Tag: StatePending} }

// WaitingConfirmations builds the confirmations-pending variant.
func WaitingConfirmations(current, required uint32) SwapState {
	return SwapState{Tag: StateWaitingConfirmations, Current: current, Required: required}
}

// ReadyToClaim is the threshold-reached variant.
func ReadyToClaim() SwapState { return SwapState{Tag: StateReadyToClaim} }

// Completed is the terminal claimed variant.
func Completed() SwapState { return SwapState{Tag: StateCompleted} }

// Cancelled is the terminal expired variant.
func Cancelled() SwapState { return SwapState{Tag: StateCancelled} }

func (s SwapState) String() string {
	if s.Tag == StateWaitingConfirmations {
		return fmt.Sprintf("WaitingConfirmations{%d/%d}", s.Current, s.Required)
	}
	return s.Tag.String()
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition. It does not evaluate the triggering condition
// (height/confirmations) — only shape legality.
func (s SwapState) CanTransitionTo(next SwapStateTag) bool {
	switch s.Tag {
	case StatePending:
		switch next {
		case StateWaitingConfirmations, StateReadyToClaim, StateCancelled:
			return true
		}
	case StateWaitingConfirmations:
		switch next {
		case StateReadyToClaim, StateCancelled, StateWaitingConfirmations:
			return true
		}
	case StateReadyToClaim:
		return next == StateCompleted
	}
	return false
}

// Swap is the offer record.
type Swap struct {
	ID                         swapid.ID
	ParentChain                chainparams.Type
	L1TxId                     SwapTxId
	RequiredConfirmations      uint32
	State                      SwapState
	L2Recipient                *Address // nil = open offer
	L2Amount                   Amount   // > 0
	L1RecipientAddress         *string
	L1Amount                   *Amount
	L1ClaimerAddress           *string
	CreatedAtHeight            uint32
	ExpiresAtHeight            *uint32
	L1TxIdValidatedAtBlockHash *BlockHash
	L1TxIdValidatedAtHeight    *uint32
}

// EffectiveRecipient resolves the recipient a claim's outputs must pay:
// the named L2Recipient for a closed offer, or the claimer's
// self-asserted address for an open offer.
func (s *Swap) EffectiveRecipient(claimerProvided *Address) (Address, error) {
	if s.L2Recipient != nil {
		return *s.L2Recipient, nil
	}
	if s.L1ClaimerAddress == nil {
		return Address{}, fmt.Errorf("swaptypes: open offer claim requires l1_claimer_address to be set")
	}
	if claimerProvided == nil {
		return Address{}, fmt.Errorf("swaptypes: open offer claim requires l2_claimer_address")
	}
	return *claimerProvided, nil
}
