// Package rpcserver is the daemon's external surface: a JSON-RPC 2.0
// HTTP server exposing the swap operations, a websocket push channel
// for swap-state-change events, and a Prometheus /metrics endpoint.
package rpcserver

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/l2addr"
	"github.com/coinshift/coinshift/internal/lockstore"
	"github.com/coinshift/coinshift/internal/metrics"
	"github.com/coinshift/coinshift/internal/recovery"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapid"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/swaptypes"
	"github.com/coinshift/coinshift/internal/txvalidator"
	"github.com/coinshift/coinshift/internal/utxostore"
	"github.com/coinshift/coinshift/pkg/logging"
)

// blocks is the narrow view of internal/blocklog.Store this package needs,
// declared locally the way internal/recovery declares BlockSource rather
// than importing blocklog's full surface.
type blocks interface {
	Append(ctx context.Context, tx *sql.Tx, block *sidechain.Block) error
	TipHeight(ctx context.Context) (uint32, error)
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server-defined error codes, one per validation-error Kind that can
// surface over RPC. Chosen from the reserved "-32000 to -32099"
// implementation-defined range the JSON-RPC 2.0 spec sets aside.
const (
	codeSwapIdMismatch         = -32001
	codeSwapAlreadyExists      = -32002
	codeSwapNotFound           = -32003
	codeInvalidStateTransition = -32004
	codeLockedInputViolation   = -32005
	codeInsufficientL2Amount   = -32006
)

var kindCodes = map[txvalidator.Kind]int{
	txvalidator.KindSwapIdMismatch:         codeSwapIdMismatch,
	txvalidator.KindSwapAlreadyExists:      codeSwapAlreadyExists,
	txvalidator.KindSwapNotFound:           codeSwapNotFound,
	txvalidator.KindInvalidStateTransition: codeInvalidStateTransition,
	txvalidator.KindLockedInputViolation:   codeLockedInputViolation,
	txvalidator.KindInsufficientL2Amount:   codeInsufficientL2Amount,
}

// Server is the JSON-RPC 2.0 + websocket + metrics server driving the
// swap subsystem.
//
// It also stands in for the sidechain's own, out-of-scope block
// production: create_swap/claim_swap validate their candidate
// transaction at the mempool boundary (chain.AcceptToMempool) exactly
// the way a real node would, then immediately connect a synthetic
// single-transaction block carrying it. This is not BIP300 consensus or
// BMM mining — both are explicitly out of scope — it is the minimal
// stand-in that lets a single Coinshift node demonstrate the swap
// lifecycle end to end without a miner, a P2P network, or a wallet.
type Server struct {
	env       *kvstore.Env
	chain     *sidechain.Chain
	swaps     *swapstore.Store
	locks     *lockstore.Store
	utxos     *utxostore.Store
	recoverer *recovery.Recoverer
	blocks    blocks
	metrics   *metrics.Registry
	addrNet   l2addr.Network
	log       *logging.Logger
	wsHub     *WSHub

	server        *http.Server
	metricsServer *http.Server
	listener      net.Listener
	metricsLn     net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex

	heightMu        sync.Mutex
	nextHeight      uint32
	prevHash        swaptypes.BlockHash
	mainchainHeight uint32
}

// Config supplies the dependencies a Server drives.
type Config struct {
	Env       *kvstore.Env
	Chain     *sidechain.Chain
	Swaps     *swapstore.Store
	Locks     *lockstore.Store
	Utxos     *utxostore.Store
	Recoverer *recovery.Recoverer
	Blocks    blocks
	Metrics   *metrics.Registry
	AddrNet   l2addr.Network
}

// New constructs a Server. It reads the block log's current tip so
// self-mined blocks continue the existing height/hash chain across a
// restart rather than restarting from zero.
func New(ctx context.Context, cfg Config) (*Server, error) {
	s := &Server{
		env:       cfg.Env,
		chain:     cfg.Chain,
		swaps:     cfg.Swaps,
		locks:     cfg.Locks,
		utxos:     cfg.Utxos,
		recoverer: cfg.Recoverer,
		blocks:    cfg.Blocks,
		metrics:   cfg.Metrics,
		addrNet:   cfg.AddrNet,
		log:       logging.GetDefault().Component("rpcserver"),
		handlers:  make(map[string]Handler),
	}

	tip, err := s.blocks.TipHeight(ctx)
	if err != nil {
		s.nextHeight = 0
	} else {
		s.nextHeight = tip + 1
		block, err := blockAtCompat(ctx, s.blocks, tip)
		if err == nil && block != nil {
			s.prevHash = block.Hash
		}
	}

	s.registerHandlers()
	return s, nil
}

// blockAtCompat narrows the blocks interface to the one extra method
// (BlockAt) New needs just once at startup, without widening the blocks
// interface every other method depends on.
func blockAtCompat(ctx context.Context, b blocks, height uint32) (*sidechain.Block, error) {
	type blockReader interface {
		BlockAt(ctx context.Context, height uint32) (*sidechain.Block, error)
	}
	br, ok := b.(blockReader)
	if !ok {
		return nil, fmt.Errorf("rpcserver: block source does not support BlockAt")
	}
	return br.BlockAt(ctx, height)
}

func (s *Server) registerHandlers() {
	s.handlers["create_swap"] = s.createSwap
	s.handlers["claim_swap"] = s.claimSwap
	s.handlers["fund_address"] = s.fundAddress
	s.handlers["update_swap_l1_txid"] = s.updateSwapL1Txid
	s.handlers["get_swap_status"] = s.getSwapStatus
	s.handlers["list_swaps"] = s.listSwaps
	s.handlers["list_swaps_by_recipient"] = s.listSwapsByRecipient
	s.handlers["reconstruct_swaps"] = s.reconstructSwaps
}

// Start starts the JSON-RPC/websocket listener on rpcAddr and, if
// metricsAddr is non-empty, a separate Prometheus /metrics listener.
func (s *Server) Start(rpcAddr, metricsAddr string) error {
	listener, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", rpcAddr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "error", err)
		}
	}()
	s.log.Info("rpc server started", "addr", rpcAddr, "ws", "ws://"+rpcAddr+"/ws")

	if metricsAddr != "" && s.metrics != nil {
		metricsLn, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("rpcserver: listen metrics on %s: %w", metricsAddr, err)
		}
		s.metricsLn = metricsLn

		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{Handler: metricsMux}

		go func() {
			if err := s.metricsServer.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics server error", "error", err)
			}
		}()
		s.log.Info("metrics server started", "addr", metricsAddr)
	}

	return nil
}

// Stop shuts both listeners down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		code, data := InternalError, interface{}(nil)
		var verr *txvalidator.Error
		if ok := asValidatorError(err, &verr); ok {
			if c, known := kindCodes[verr.Kind]; known {
				code = c
			}
			data = map[string]string{"kind": string(verr.Kind)}
			if verr.Kind == txvalidator.KindSwapIdMismatch {
				data = map[string]string{"kind": string(verr.Kind), "expected": verr.Expected, "got": verr.Got}
			}
		}
		s.writeError(w, req.ID, code, err.Error(), data)
	} else {
		s.writeResult(w, req.ID, result)
	}
	if s.metrics != nil {
		s.metrics.RPCRequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	}
}

// asValidatorError unwraps err into a *txvalidator.Error, if that's what
// it is (errors.As would also work; this avoids an import cycle concern
// that does not actually exist here, kept simple since txvalidator.Error
// is never wrapped more than once between here and its source).
func asValidatorError(err error, out **txvalidator.Error) bool {
	if verr, ok := err.(*txvalidator.Error); ok {
		*out = verr
		return true
	}
	return false
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WSHub returns the websocket hub, for cmd/coinshiftd to wire additional
// broadcasters against if it ever needs to.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// mineTx is the single-node auto-mine stand-in described on Server:
// validate the candidate at the mempool boundary, log it, then connect
// it as the sole transaction of the next block. Returns the sidechain
// txid assigned to tx.
func (s *Server) mineTx(ctx context.Context, kind sidechain.TxKind, inputs []swaptypes.OutPoint, outputs []txvalidator.Output, sc *txvalidator.SwapCreateInput, scl *txvalidator.SwapClaimInput) (swaptypes.Txid, error) {
	txid, err := randomTxid()
	if err != nil {
		return swaptypes.Txid{}, fmt.Errorf("rpcserver: generate txid: %w", err)
	}

	tx := sidechain.Tx{
		TxID:       txid,
		Inputs:     inputs,
		Outputs:    outputs,
		Kind:       kind,
		SwapCreate: sc,
		SwapClaim:  scl,
	}

	if err := s.chain.AcceptToMempool(ctx, &tx); err != nil {
		return swaptypes.Txid{}, err
	}

	s.heightMu.Lock()
	defer s.heightMu.Unlock()

	height := s.nextHeight
	hash := blockHash(height, s.prevHash, txid)
	block := &sidechain.Block{
		Height:   height,
		Hash:     hash,
		PrevHash: s.prevHash,
		Txs:      []sidechain.Tx{tx},
	}

	// Best-effort ordering: log before connecting, so a crash between the
	// two leaves the block log a superset of applied state (recoverable
	// via reconstruct_swaps) rather than a silent gap.
	if err := s.env.WriteTx(ctx, func(sqltx *sql.Tx) error {
		return s.blocks.Append(ctx, sqltx, block)
	}); err != nil {
		return swaptypes.Txid{}, fmt.Errorf("rpcserver: log block %d: %w", height, err)
	}

	if err := s.chain.Connect(ctx, block); err != nil {
		return swaptypes.Txid{}, err
	}

	s.nextHeight = height + 1
	s.prevHash = hash
	return txid, nil
}

// updateSwap persists a direct store mutation (update_swap_l1_txid's
// manual override) without going through the mempool/mine path — there
// is no candidate transaction to validate here, just a stored field
// correction an operator asserts by hand.
func (s *Server) updateSwap(ctx context.Context, sw *swaptypes.Swap) error {
	return s.env.WriteTx(ctx, func(sqltx *sql.Tx) error {
		return s.swaps.Update(ctx, sqltx, sw)
	})
}

// ConnectHeartbeat connects an empty block carrying a PegAdvance,
// driving the peg-triggered scheduler tick without waiting on a
// create_swap or claim_swap call to do it incidentally. It substitutes
// for the real sidechain observing the mainchain's tip advance, which
// is itself driven by BIP300 two-way-peg mechanics this repository does
// not implement. cmd/coinshiftd calls this on a fixed interval; it is a
// sidechain-local heartbeat, not a poll of any L1 node.
func (s *Server) ConnectHeartbeat(ctx context.Context) error {
	s.heightMu.Lock()
	defer s.heightMu.Unlock()

	s.mainchainHeight++
	height := s.nextHeight
	hash := blockHash(height, s.prevHash, swaptypes.Txid{})
	block := &sidechain.Block{
		Height:     height,
		Hash:       hash,
		PrevHash:   s.prevHash,
		PegAdvance: &sidechain.PegAdvance{MainchainHeight: s.mainchainHeight},
	}

	if err := s.env.WriteTx(ctx, func(sqltx *sql.Tx) error {
		return s.blocks.Append(ctx, sqltx, block)
	}); err != nil {
		return fmt.Errorf("rpcserver: log heartbeat block %d: %w", height, err)
	}
	if err := s.chain.Connect(ctx, block); err != nil {
		return err
	}

	s.nextHeight = height + 1
	s.prevHash = hash
	return nil
}

// NotifySwapChanged implements both sidechain.Notifier and
// l1observer.Notifier, so Server can be wired as the single notification
// sink for every component that changes swap state.
//
// Callers invoke it from inside the env's write transaction, which holds
// the database's only connection; the read below has to wait for that
// commit, so it runs on its own goroutine. A rolled-back transaction
// makes the read see the unchanged swap (or nothing), and the event is
// dropped.
func (s *Server) NotifySwapChanged(id swapid.ID) {
	if s.wsHub == nil {
		return
	}
	go func() {
		sw, err := s.swaps.Get(context.Background(), s.env.DB(), id)
		if err != nil {
			s.log.Warn("notify: get swap", "swap_id", id, "error", err)
			return
		}
		s.wsHub.Broadcast(EventSwapChanged, toSwapView(sw, s.addrNet))
	}()
}

func randomTxid() (swaptypes.Txid, error) {
	var t swaptypes.Txid
	if _, err := rand.Read(t[:]); err != nil {
		return t, err
	}
	return t, nil
}

func blockHash(height uint32, prev swaptypes.BlockHash, txid swaptypes.Txid) swaptypes.BlockHash {
	buf := make([]byte, 0, 4+len(prev)+len(txid))
	buf = append(buf, byte(height), byte(height>>8), byte(height>>16), byte(height>>24))
	buf = append(buf, prev[:]...)
	buf = append(buf, txid[:]...)
	return swaptypes.BlockHash(chainhash.DoubleHashB(buf))
}
