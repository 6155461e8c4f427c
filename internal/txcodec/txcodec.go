// Package txcodec implements the deterministic binary encoding for the
// on-chain SwapCreate/SwapClaim payloads and the persisted Swap record.
// Every sum type carries an explicit one-byte discriminant, every
// optional field an explicit presence tag, and no field is ever
// reordered by a struct-tag-driven encoder — a generic serializer can
// silently renumber tags across schema drift, which is exactly the
// class of corruption the round-trip check in swapstore exists to
// catch.
//
// Variable-length byte strings are framed with btcsuite/btcd/wire's
// varint-prefixed VarBytes helpers.
package txcodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
)

// protoVer is passed to the wire varint helpers; the payload format here
// has no relationship to the Bitcoin protocol version, but the helpers
// require one, so a fixed sentinel is used.
const protoVer = 0

// SchemaVersion is the leading byte of every encoded Swap record, so a
// future field addition can be distinguished from the current layout
// instead of silently misreading old data.
const SchemaVersion = 1

const (
	absent  byte = 0
	present byte = 1
)

func writeOptBytes(w io.Writer, b []byte) error {
	if b == nil {
		_, err := w.Write([]byte{absent})
		return err
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, protoVer, b)
}

func readOptBytes(r io.Reader, maxAllowed uint32, field string) ([]byte, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case absent:
		return nil, nil
	case present:
		return wire.ReadVarBytes(r, protoVer, maxAllowed, field)
	default:
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for %s", tag, field)
	}
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeUint32(w io.Writer, v uint32) error {
	return wire.WriteVarInt(w, protoVer, uint64(v))
}

func readUint32(r io.Reader) (uint32, error) {
	v, err := wire.ReadVarInt(r, protoVer)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func writeUint64(w io.Writer, v uint64) error {
	return wire.WriteVarInt(w, protoVer, v)
}

func readUint64(r io.Reader) (uint64, error) {
	return wire.ReadVarInt(r, protoVer)
}

func writeFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// --- Address ---

func writeOptAddress(w io.Writer, a *swaptypes.Address) error {
	if a == nil {
		return writeByte(w, absent)
	}
	if err := writeByte(w, present); err != nil {
		return err
	}
	return writeFixed(w, a[:])
}

func readOptAddress(r io.Reader) (*swaptypes.Address, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if tag == absent {
		return nil, nil
	}
	if tag != present {
		return nil, fmt.Errorf("txcodec: invalid address presence tag %d", tag)
	}
	b, err := readFixed(r, swaptypes.AddressSize)
	if err != nil {
		return nil, err
	}
	a, err := swaptypes.AddressFromBytes(b)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- SwapCreate ---

// SwapCreate is the decoded form of the on-chain tx-data variant.
type SwapCreate struct {
	SwapId                swapid.ID
	ParentChain           chainparams.Type
	L1TxIdBytes           []byte // empty, or exactly 32 bytes
	RequiredConfirmations uint32
	L2Recipient           *swaptypes.Address
	L2Amount              uint64
	L1RecipientAddress    *string
	L1Amount              *uint64
}

// EncodeSwapCreate serializes a SwapCreate payload deterministically.
func EncodeSwapCreate(sc *SwapCreate) ([]byte, error) {
	var buf bytes.Buffer

	if _, err := buf.Write(sc.SwapId[:]); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(sc.ParentChain)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, protoVer, sc.L1TxIdBytes); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, sc.RequiredConfirmations); err != nil {
		return nil, err
	}
	if err := writeOptAddress(&buf, sc.L2Recipient); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, sc.L2Amount); err != nil {
		return nil, err
	}
	if sc.L1RecipientAddress == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := wire.WriteVarBytes(&buf, protoVer, []byte(*sc.L1RecipientAddress)); err != nil {
			return nil, err
		}
	}
	if sc.L1Amount == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeUint64(&buf, *sc.L1Amount); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeSwapCreate parses the bytes produced by EncodeSwapCreate.
func DecodeSwapCreate(b []byte) (*SwapCreate, error) {
	r := bytes.NewReader(b)
	sc := &SwapCreate{}

	idBytes, err := readFixed(r, swapid.Size)
	if err != nil {
		return nil, fmt.Errorf("txcodec: swap_id: %w", err)
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		return nil, fmt.Errorf("txcodec: swap_id: wrong length")
	}
	sc.SwapId = id

	chainByte, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: parent_chain: %w", err)
	}
	sc.ParentChain = chainparams.Type(chainByte)

	l1txid, err := wire.ReadVarBytes(r, protoVer, 32, "l1_txid_bytes")
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_txid_bytes: %w", err)
	}
	if len(l1txid) != 0 && len(l1txid) != 32 {
		return nil, fmt.Errorf("txcodec: l1_txid_bytes must be empty or 32 bytes, got %d", len(l1txid))
	}
	sc.L1TxIdBytes = l1txid

	reqConf, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: required_confirmations: %w", err)
	}
	sc.RequiredConfirmations = reqConf

	l2Recipient, err := readOptAddress(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l2_recipient: %w", err)
	}
	sc.L2Recipient = l2Recipient

	l2Amount, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l2_amount: %w", err)
	}
	sc.L2Amount = l2Amount

	presenceTag1, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_recipient_address presence: %w", err)
	}
	if presenceTag1 == present {
		addrBytes, err := wire.ReadVarBytes(r, protoVer, 512, "l1_recipient_address")
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_recipient_address: %w", err)
		}
		s := string(addrBytes)
		sc.L1RecipientAddress = &s
	} else if presenceTag1 != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for l1_recipient_address", presenceTag1)
	}

	presenceTag2, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_amount presence: %w", err)
	}
	if presenceTag2 == present {
		amt, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_amount: %w", err)
		}
		sc.L1Amount = &amt
	} else if presenceTag2 != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for l1_amount", presenceTag2)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("txcodec: %d trailing bytes after SwapCreate", r.Len())
	}

	return sc, nil
}

// --- SwapClaim ---

// SwapClaim is the decoded form of the on-chain tx-data variant.
// ProofData is reserved and must be ignored by the validator.
type SwapClaim struct {
	SwapId           swapid.ID
	L2ClaimerAddress *swaptypes.Address
	ProofData        []byte // nil = absent
}

// EncodeSwapClaim serializes a SwapClaim payload deterministically.
func EncodeSwapClaim(sc *SwapClaim) ([]byte, error) {
	var buf bytes.Buffer

	if _, err := buf.Write(sc.SwapId[:]); err != nil {
		return nil, err
	}
	if err := writeOptAddress(&buf, sc.L2ClaimerAddress); err != nil {
		return nil, err
	}
	if err := writeOptBytes(&buf, sc.ProofData); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeSwapClaim parses the bytes produced by EncodeSwapClaim.
func DecodeSwapClaim(b []byte) (*SwapClaim, error) {
	r := bytes.NewReader(b)
	sc := &SwapClaim{}

	idBytes, err := readFixed(r, swapid.Size)
	if err != nil {
		return nil, fmt.Errorf("txcodec: swap_id: %w", err)
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		return nil, fmt.Errorf("txcodec: swap_id: wrong length")
	}
	sc.SwapId = id

	claimer, err := readOptAddress(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l2_claimer_address: %w", err)
	}
	sc.L2ClaimerAddress = claimer

	proof, err := readOptBytes(r, 1<<20, "proof_data")
	if err != nil {
		return nil, fmt.Errorf("txcodec: proof_data: %w", err)
	}
	sc.ProofData = proof

	if r.Len() != 0 {
		return nil, fmt.Errorf("txcodec: %d trailing bytes after SwapClaim", r.Len())
	}

	return sc, nil
}

// --- Swap record (persisted value encoding) ---

// EncodeSwap serializes a persisted Swap record, prefixed by
// SchemaVersion so the store can reject or migrate an unrecognized
// layout instead of misreading it.
func EncodeSwap(s *swaptypes.Swap) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeByte(&buf, SchemaVersion); err != nil {
		return nil, err
	}
	if _, err := buf.Write(s.ID[:]); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(s.ParentChain)); err != nil {
		return nil, err
	}
	if err := writeByte(&buf, byte(s.L1TxId.Tag)); err != nil {
		return nil, err
	}
	if s.L1TxId.Tag == swaptypes.SwapTxIdHash {
		if err := writeFixed(&buf, s.L1TxId.Hash[:]); err != nil {
			return nil, err
		}
	}
	if err := writeUint32(&buf, s.RequiredConfirmations); err != nil {
		return nil, err
	}

	if err := writeByte(&buf, byte(s.State.Tag)); err != nil {
		return nil, err
	}
	if s.State.Tag == swaptypes.StateWaitingConfirmations {
		if err := writeUint32(&buf, s.State.Current); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, s.State.Required); err != nil {
			return nil, err
		}
	}

	if err := writeOptAddress(&buf, s.L2Recipient); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, uint64(s.L2Amount)); err != nil {
		return nil, err
	}

	if err := writeOptString(&buf, s.L1RecipientAddress); err != nil {
		return nil, err
	}
	if s.L1Amount == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeUint64(&buf, uint64(*s.L1Amount)); err != nil {
			return nil, err
		}
	}
	if err := writeOptString(&buf, s.L1ClaimerAddress); err != nil {
		return nil, err
	}

	if err := writeUint32(&buf, s.CreatedAtHeight); err != nil {
		return nil, err
	}
	if s.ExpiresAtHeight == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, *s.ExpiresAtHeight); err != nil {
			return nil, err
		}
	}

	if s.L1TxIdValidatedAtBlockHash == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeFixed(&buf, s.L1TxIdValidatedAtBlockHash[:]); err != nil {
			return nil, err
		}
	}
	if s.L1TxIdValidatedAtHeight == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, *s.L1TxIdValidatedAtHeight); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func writeOptString(w io.Writer, s *string) error {
	if s == nil {
		return writeByte(w, absent)
	}
	if err := writeByte(w, present); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, protoVer, []byte(*s))
}

func readOptString(r io.Reader, maxAllowed uint32, field string) (*string, error) {
	b, err := readOptBytes(r, maxAllowed, field)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	s := string(b)
	return &s, nil
}

// DecodeSwap parses the bytes produced by EncodeSwap.
func DecodeSwap(b []byte) (*swaptypes.Swap, error) {
	r := bytes.NewReader(b)

	version, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: schema version: %w", err)
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("txcodec: unsupported swap schema version %d", version)
	}

	idBytes, err := readFixed(r, swapid.Size)
	if err != nil {
		return nil, fmt.Errorf("txcodec: id: %w", err)
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		return nil, fmt.Errorf("txcodec: id: wrong length")
	}

	chainByte, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: parent_chain: %w", err)
	}

	txIdTag, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_txid tag: %w", err)
	}
	var l1TxId swaptypes.SwapTxId
	switch swaptypes.SwapTxIdTag(txIdTag) {
	case swaptypes.SwapTxIdZero:
		l1TxId = swaptypes.ZeroSwapTxId
	case swaptypes.SwapTxIdHash:
		hb, err := readFixed(r, 32)
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_txid hash: %w", err)
		}
		var h [32]byte
		copy(h[:], hb)
		l1TxId = swaptypes.NewSwapTxId(h)
	default:
		return nil, fmt.Errorf("txcodec: invalid l1_txid tag %d", txIdTag)
	}

	reqConf, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: required_confirmations: %w", err)
	}

	stateTag, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: state tag: %w", err)
	}
	var state swaptypes.SwapState
	switch swaptypes.SwapStateTag(stateTag) {
	case swaptypes.StatePending:
		state = swaptypes.Pending()
	case swaptypes.StateWaitingConfirmations:
		cur, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: state.current: %w", err)
		}
		req, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: state.required: %w", err)
		}
		state = swaptypes.WaitingConfirmations(cur, req)
	case swaptypes.StateReadyToClaim:
		state = swaptypes.ReadyToClaim()
	case swaptypes.StateCompleted:
		state = swaptypes.Completed()
	case swaptypes.StateCancelled:
		state = swaptypes.Cancelled()
	default:
		return nil, fmt.Errorf("txcodec: invalid state tag %d", stateTag)
	}

	l2Recipient, err := readOptAddress(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l2_recipient: %w", err)
	}

	l2Amount, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l2_amount: %w", err)
	}

	l1RecipientAddress, err := readOptString(r, 512, "l1_recipient_address")
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_recipient_address: %w", err)
	}

	var l1Amount *swaptypes.Amount
	presTag, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_amount presence: %w", err)
	}
	if presTag == present {
		a, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_amount: %w", err)
		}
		amt := swaptypes.Amount(a)
		l1Amount = &amt
	} else if presTag != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for l1_amount", presTag)
	}

	l1ClaimerAddress, err := readOptString(r, 512, "l1_claimer_address")
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_claimer_address: %w", err)
	}

	createdAtHeight, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: created_at_height: %w", err)
	}

	var expiresAtHeight *uint32
	expPresent, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: expires_at_height presence: %w", err)
	}
	if expPresent == present {
		h, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: expires_at_height: %w", err)
		}
		expiresAtHeight = &h
	} else if expPresent != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for expires_at_height", expPresent)
	}

	var validatedBlockHash *swaptypes.BlockHash
	bhPresent, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_txid_validated_at_block_hash presence: %w", err)
	}
	if bhPresent == present {
		hb, err := readFixed(r, 32)
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_txid_validated_at_block_hash: %w", err)
		}
		var bh swaptypes.BlockHash
		copy(bh[:], hb)
		validatedBlockHash = &bh
	} else if bhPresent != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for validated block hash", bhPresent)
	}

	var validatedHeight *uint32
	vhPresent, err := readByte(r)
	if err != nil {
		return nil, fmt.Errorf("txcodec: l1_txid_validated_at_height presence: %w", err)
	}
	if vhPresent == present {
		h, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("txcodec: l1_txid_validated_at_height: %w", err)
		}
		validatedHeight = &h
	} else if vhPresent != absent {
		return nil, fmt.Errorf("txcodec: invalid presence tag %d for validated height", vhPresent)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("txcodec: %d trailing bytes after Swap", r.Len())
	}

	return &swaptypes.Swap{
		ID:                         id,
		ParentChain:                chainparams.Type(chainByte),
		L1TxId:                     l1TxId,
		RequiredConfirmations:      reqConf,
		State:                      state,
		L2Recipient:                l2Recipient,
		L2Amount:                   swaptypes.Amount(l2Amount),
		L1RecipientAddress:         l1RecipientAddress,
		L1Amount:                   l1Amount,
		L1ClaimerAddress:           l1ClaimerAddress,
		CreatedAtHeight:            createdAtHeight,
		ExpiresAtHeight:            expiresAtHeight,
		L1TxIdValidatedAtBlockHash: validatedBlockHash,
		L1TxIdValidatedAtHeight:    validatedHeight,
	}, nil
}
