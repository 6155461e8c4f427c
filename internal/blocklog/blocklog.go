// Package blocklog persists every sidechain.Block passed through
// Chain.Connect so internal/recovery has a concrete recovery.BlockSource
// to replay from. internal/rpcserver, which drives Chain.Connect in the
// daemon, calls Append for each block in its own write transaction just
// before the Chain.Connect call that applies it, so the log is never
// behind the applied state.
//
// The wire format follows internal/txcodec's hand-rolled, explicit-tag
// style (no struct-tag-driven serializer) but is a separate schema: a
// logged block carries the full validator Input for every transaction,
// including fields (SenderOfFirstInput, the foreign Inputs/Outputs list)
// that never appear in the on-chain SwapCreate/SwapClaim payload txcodec
// encodes.
package blocklog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txvalidator"
)

const protoVer = 0

const (
	absent  byte = 0
	present byte = 1
)

// SchemaVersion is the leading byte of every logged block, mirroring
// txcodec's own versioning discipline.
const SchemaVersion = 1

// Store is the append-only block log, backed by the shared kvstore.Env.
type Store struct {
	env *kvstore.Env
}

// New constructs a Store over env. The caller is responsible for having
// opened env (and therefore created the sidechain_blocks table).
func New(env *kvstore.Env) *Store {
	return &Store{env: env}
}

// Append records block inside the caller's write transaction. Chain.Connect
// opens its own kvstore.Env.WriteTx, so the two cannot share one; the
// rpcserver caller commits Append first and then connects, leaving the
// log a superset of the applied state if the process stops in between.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, block *sidechain.Block) error {
	data, err := encodeBlock(block)
	if err != nil {
		return fmt.Errorf("blocklog: encode block %d: %w", block.Height, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sidechain_blocks (height, hash, data) VALUES (?, ?, ?)
		 ON CONFLICT(height) DO UPDATE SET hash = excluded.hash, data = excluded.data`,
		block.Height, block.Hash[:], data)
	if err != nil {
		return fmt.Errorf("blocklog: write block %d: %w", block.Height, err)
	}
	return nil
}

// TipHeight implements recovery.BlockSource: the highest logged height,
// or an error if the log is empty (nothing to replay from yet).
func (s *Store) TipHeight(ctx context.Context) (uint32, error) {
	row := s.env.DB().QueryRowContext(ctx, `SELECT MAX(height) FROM sidechain_blocks`)
	var height sql.NullInt64
	if err := row.Scan(&height); err != nil {
		return 0, fmt.Errorf("blocklog: tip height: %w", err)
	}
	if !height.Valid {
		return 0, fmt.Errorf("blocklog: no blocks logged")
	}
	return uint32(height.Int64), nil
}

// BlockAt implements recovery.BlockSource, returning nil if height was
// never logged (matching recovery.Reconstruct's tolerance for gaps).
func (s *Store) BlockAt(ctx context.Context, height uint32) (*sidechain.Block, error) {
	row := s.env.DB().QueryRowContext(ctx, `SELECT data FROM sidechain_blocks WHERE height = ?`, height)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("blocklog: read block %d: %w", height, err)
	}
	block, err := decodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("blocklog: decode block %d: %w", height, err)
	}
	return block, nil
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
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if tag == absent {
		return nil, nil
	}
	b, err := wire.ReadVarBytes(r, protoVer, maxAllowed, field)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func writeOptUint64(w io.Writer, v *swaptypes.Amount) error {
	if v == nil {
		return writeByte(w, absent)
	}
	if err := writeByte(w, present); err != nil {
		return err
	}
	return writeUint64(w, uint64(*v))
}

func readOptUint64(r io.Reader) (*swaptypes.Amount, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if tag == absent {
		return nil, nil
	}
	v, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	amt := swaptypes.Amount(v)
	return &amt, nil
}

func encodeOutPoint(w io.Writer, op swaptypes.OutPoint) error {
	if err := writeFixed(w, op.Txid[:]); err != nil {
		return err
	}
	return writeUint32(w, op.Vout)
}

func decodeOutPoint(r io.Reader) (swaptypes.OutPoint, error) {
	var op swaptypes.OutPoint
	txid, err := readFixed(r, swaptypes.TxidSize)
	if err != nil {
		return op, err
	}
	copy(op.Txid[:], txid)
	vout, err := readUint32(r)
	if err != nil {
		return op, err
	}
	op.Vout = vout
	return op, nil
}

func encodeOutput(w io.Writer, out txvalidator.Output) error {
	if err := writeFixed(w, out.Address[:]); err != nil {
		return err
	}
	return writeUint64(w, uint64(out.Amount))
}

func decodeOutput(r io.Reader) (txvalidator.Output, error) {
	var out txvalidator.Output
	addr, err := readFixed(r, swaptypes.AddressSize)
	if err != nil {
		return out, err
	}
	a, err := swaptypes.AddressFromBytes(addr)
	if err != nil {
		return out, err
	}
	out.Address = a
	amt, err := readUint64(r)
	if err != nil {
		return out, err
	}
	out.Amount = swaptypes.Amount(amt)
	return out, nil
}

func encodeSwapCreateInput(w io.Writer, sc *txvalidator.SwapCreateInput) error {
	if err := writeFixed(w, sc.SwapId[:]); err != nil {
		return err
	}
	if err := writeByte(w, byte(sc.ParentChain)); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, protoVer, sc.L1TxIdBytes); err != nil {
		return err
	}
	if err := writeUint32(w, sc.RequiredConfirmations); err != nil {
		return err
	}
	if err := writeOptAddress(w, sc.L2Recipient); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(sc.L2Amount)); err != nil {
		return err
	}
	if err := writeOptString(w, sc.L1RecipientAddress); err != nil {
		return err
	}
	if err := writeOptUint64(w, sc.L1Amount); err != nil {
		return err
	}
	return writeFixed(w, sc.SenderOfFirstInput[:])
}

func decodeSwapCreateInput(r io.Reader) (*txvalidator.SwapCreateInput, error) {
	sc := &txvalidator.SwapCreateInput{}

	idBytes, err := readFixed(r, swapid.Size)
	if err != nil {
		return nil, err
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		return nil, fmt.Errorf("blocklog: swap_id: wrong length")
	}
	sc.SwapId = id

	chainByte, err := readByte(r)
	if err != nil {
		return nil, err
	}
	sc.ParentChain = chainparams.Type(chainByte)

	l1txid, err := wire.ReadVarBytes(r, protoVer, 32, "l1_txid_bytes")
	if err != nil {
		return nil, err
	}
	sc.L1TxIdBytes = l1txid

	reqConf, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	sc.RequiredConfirmations = reqConf

	l2Recipient, err := readOptAddress(r)
	if err != nil {
		return nil, err
	}
	sc.L2Recipient = l2Recipient

	l2Amount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	sc.L2Amount = swaptypes.Amount(l2Amount)

	l1RecipientAddress, err := readOptString(r, 512, "l1_recipient_address")
	if err != nil {
		return nil, err
	}
	sc.L1RecipientAddress = l1RecipientAddress

	l1Amount, err := readOptUint64(r)
	if err != nil {
		return nil, err
	}
	sc.L1Amount = l1Amount

	sender, err := readFixed(r, swaptypes.AddressSize)
	if err != nil {
		return nil, err
	}
	senderAddr, err := swaptypes.AddressFromBytes(sender)
	if err != nil {
		return nil, err
	}
	sc.SenderOfFirstInput = senderAddr

	return sc, nil
}

func encodeSwapClaimInput(w io.Writer, sc *txvalidator.SwapClaimInput) error {
	if err := writeFixed(w, sc.SwapId[:]); err != nil {
		return err
	}
	return writeOptAddress(w, sc.L2ClaimerAddress)
}

func decodeSwapClaimInput(r io.Reader) (*txvalidator.SwapClaimInput, error) {
	sc := &txvalidator.SwapClaimInput{}

	idBytes, err := readFixed(r, swapid.Size)
	if err != nil {
		return nil, err
	}
	id, ok := swapid.FromBytes(idBytes)
	if !ok {
		return nil, fmt.Errorf("blocklog: swap_id: wrong length")
	}
	sc.SwapId = id

	claimer, err := readOptAddress(r)
	if err != nil {
		return nil, err
	}
	sc.L2ClaimerAddress = claimer

	return sc, nil
}

func encodeTx(w io.Writer, tx *sidechain.Tx) error {
	if err := writeFixed(w, tx.TxID[:]); err != nil {
		return err
	}
	if err := writeByte(w, byte(tx.Kind)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(tx.Inputs))); err != nil {
		return err
	}
	for _, in := range tx.Inputs {
		if err := encodeOutPoint(w, in); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(tx.Outputs))); err != nil {
		return err
	}
	for _, out := range tx.Outputs {
		if err := encodeOutput(w, out); err != nil {
			return err
		}
	}
	if tx.SwapCreate == nil {
		if err := writeByte(w, absent); err != nil {
			return err
		}
	} else {
		if err := writeByte(w, present); err != nil {
			return err
		}
		if err := encodeSwapCreateInput(w, tx.SwapCreate); err != nil {
			return err
		}
	}
	if tx.SwapClaim == nil {
		return writeByte(w, absent)
	}
	if err := writeByte(w, present); err != nil {
		return err
	}
	return encodeSwapClaimInput(w, tx.SwapClaim)
}

func decodeTx(r io.Reader) (sidechain.Tx, error) {
	var tx sidechain.Tx

	txid, err := readFixed(r, swaptypes.TxidSize)
	if err != nil {
		return tx, err
	}
	copy(tx.TxID[:], txid)

	kind, err := readByte(r)
	if err != nil {
		return tx, err
	}
	tx.Kind = sidechain.TxKind(kind)

	nInputs, err := readUint32(r)
	if err != nil {
		return tx, err
	}
	for i := uint32(0); i < nInputs; i++ {
		op, err := decodeOutPoint(r)
		if err != nil {
			return tx, err
		}
		tx.Inputs = append(tx.Inputs, op)
	}

	nOutputs, err := readUint32(r)
	if err != nil {
		return tx, err
	}
	for i := uint32(0); i < nOutputs; i++ {
		out, err := decodeOutput(r)
		if err != nil {
			return tx, err
		}
		tx.Outputs = append(tx.Outputs, out)
	}

	scTag, err := readByte(r)
	if err != nil {
		return tx, err
	}
	if scTag == present {
		sc, err := decodeSwapCreateInput(r)
		if err != nil {
			return tx, err
		}
		tx.SwapCreate = sc
	}

	clTag, err := readByte(r)
	if err != nil {
		return tx, err
	}
	if clTag == present {
		cl, err := decodeSwapClaimInput(r)
		if err != nil {
			return tx, err
		}
		tx.SwapClaim = cl
	}

	return tx, nil
}

func encodeBlock(block *sidechain.Block) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeByte(&buf, SchemaVersion); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, block.Height); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, block.Hash[:]); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, block.PrevHash[:]); err != nil {
		return nil, err
	}
	if block.PegAdvance == nil {
		if err := writeByte(&buf, absent); err != nil {
			return nil, err
		}
	} else {
		if err := writeByte(&buf, present); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, block.PegAdvance.MainchainHeight); err != nil {
			return nil, err
		}
	}
	if err := writeUint32(&buf, uint32(len(block.Txs))); err != nil {
		return nil, err
	}
	for i := range block.Txs {
		if err := encodeTx(&buf, &block.Txs[i]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeBlock(data []byte) (*sidechain.Block, error) {
	r := bytes.NewReader(data)

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("blocklog: unsupported block schema version %d", version)
	}

	block := &sidechain.Block{}

	height, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	block.Height = height

	hash, err := readFixed(r, swaptypes.TxidSize)
	if err != nil {
		return nil, err
	}
	copy(block.Hash[:], hash)

	prevHash, err := readFixed(r, swaptypes.TxidSize)
	if err != nil {
		return nil, err
	}
	copy(block.PrevHash[:], prevHash)

	pegTag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if pegTag == present {
		mainchainHeight, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		block.PegAdvance = &sidechain.PegAdvance{MainchainHeight: mainchainHeight}
	}

	nTxs, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nTxs; i++ {
		tx, err := decodeTx(r)
		if err != nil {
			return nil, err
		}
		block.Txs = append(block.Txs, tx)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("blocklog: %d trailing bytes after block", r.Len())
	}

	return block, nil
}
