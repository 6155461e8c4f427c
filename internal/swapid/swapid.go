// Package swapid computes the deterministic SwapId that binds an offer's
// economic terms together. It is the only place in the codebase allowed
// to know the exact byte layout that feeds the hash.
package swapid

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/coinshift/coinshift/pkg/helpers"
)

// Size is the length in bytes of a SwapId.
const Size = 32

// ID is a BLAKE3 digest identifying a swap offer.
type ID [Size]byte

// openSwapSentinel is appended in place of an l2 recipient when the offer
// does not name one — an open offer's claimer is bound later, by the L1
// payment's sender.
var openSwapSentinel = []byte("OPEN_SWAP")

// Of hashes l1_addr ∥ l1_amt (little-endian) ∥ l2_sender ∥ (l2_recipient
// or the open-swap sentinel) with BLAKE3. The L1 address bytes are
// hashed exactly as given, with no canonicalization — the id pins the
// offer to one concrete address encoding.
//
// l2Recipient is nil for an open swap; otherwise it must be the 20-byte
// recipient address value.
func Of(l1Addr []byte, l1Amt uint64, l2Sender []byte, l2Recipient []byte) ID {
	h := blake3.New(Size, nil)

	h.Write(l1Addr)

	var amtBuf [8]byte
	binary.LittleEndian.PutUint64(amtBuf[:], l1Amt)
	h.Write(amtBuf[:])

	h.Write(l2Sender)

	if l2Recipient != nil {
		h.Write(l2Recipient)
	} else {
		h.Write(openSwapSentinel)
	}

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Zero reports whether id is the all-zero value, used by code that treats
// ID as an optional field without a separate presence flag.
func (id ID) Zero() bool {
	return id == ID{}
}

// String renders the id as lowercase hex, for logs and RPC responses.
func (id ID) String() string {
	return helpers.BytesToHex(id[:])
}

// Bytes returns a copy of the id's raw bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// FromBytes builds an ID from a 32-byte slice, for decoding wire payloads.
func FromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != Size {
		return id, false
	}
	copy(id[:], b)
	return id, true
}
