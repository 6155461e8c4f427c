package l1rpc

import (
	"errors"
	"fmt"
)

// ErrTxNotFound is returned when getrawtransaction has no record of a
// previously-observed txid — the observer reports this as a
// disappeared transaction and leaves the swap untouched.
var ErrTxNotFound = errors.New("l1rpc: transaction not found")

// ErrClient wraps transport/timeout/malformed-response failures; the
// observer skips the affected swap for the tick rather than failing it.
var ErrClient = errors.New("l1rpc: client error")

// RPCError is a JSON-RPC error the L1 node itself returned. Distinct
// from ErrClient so callers can tell "the node answered and said no"
// apart from "the node never answered" — the observer treats the former
// as TransactionDisappeared for a getrawtransaction lookup and the
// latter as a retryable ClientError.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("l1rpc: rpc error %d: %s", e.Code, e.Message)
}
