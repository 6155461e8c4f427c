// Package l1rpc is the parent-chain adapter: a Bitcoin-Core-shaped
// JSON-RPC client exposing exactly the operations the swap subsystem
// needs — getblockchaininfo for the health gate, getrawtransaction for
// a known txid, and an address/amount scan used to discover new L1
// payments.
package l1rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/metrics"
)

// Tx is the subset of a parent-chain transaction the swap subsystem
// reads.
type Tx struct {
	Txid          string
	Confirmations int64
	BlockHeight   *uint32 // nil if unconfirmed / not yet included
	SenderAddress string  // best-effort, derived from vin[0]; empty if unknown
	Vout          []TxOut
}

// TxOut is one output of a parent-chain transaction.
type TxOut struct {
	Address    string
	AmountSats uint64
}

// Client is a per-parent-chain Bitcoin-Core-style JSON-RPC client.
type Client struct {
	chain      chainparams.Type
	url        string
	user       string
	pass       string
	httpClient *http.Client
	requestID  atomic.Uint64
	metrics    *metrics.Registry
}

// SetMetrics attaches a metrics registry. Optional.
func (c *Client) SetMetrics(m *metrics.Registry) {
	c.metrics = m
}

// Config configures one L1 RPC endpoint.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration // per-call timeout; bounds the write tx the observer holds
}

// New constructs a Client for chain talking to the node described by cfg.
func New(chain chainparams.Type, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		chain: chain,
		url:   cfg.URL,
		user:  cfg.User,
		pass:  cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Chain returns the parent chain this client talks to.
func (c *Client) Chain() chainparams.Type {
	return c.chain
}

// Healthy is the health gate the observer checks before trusting this
// node's confirmation data: a node in initial block download (or
// unreachable) is skipped the same way an unconfigured chain is.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	result, err := c.call(ctx, "getblockchaininfo", []interface{}{})
	if err != nil {
		return false, err
	}

	var info struct {
		InitialBlockDownload bool `json:"initialblockdownload"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return false, fmt.Errorf("l1rpc: parse getblockchaininfo: %w", err)
	}
	return !info.InitialBlockDownload, nil
}

// GetTransaction looks up a parent-chain transaction by txid, backed by
// getrawtransaction(txid, verbose=true). The sender
// address is resolved by fetching the first input's previous transaction
// and reading the spent output's address; if that lookup fails the
// field is left empty rather than failing the whole call.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	tx, prevTxid, prevVout, err := c.fetchTx(ctx, txid)
	if err != nil {
		var rerr *RPCError
		if errors.As(err, &rerr) {
			// The node answered and has no such transaction.
			return nil, fmt.Errorf("%w: %s: %v", ErrTxNotFound, txid, rerr)
		}
		return nil, err
	}

	if prevTxid != "" {
		if prev, _, _, err := c.fetchTx(ctx, prevTxid); err == nil && int(prevVout) < len(prev.Vout) {
			tx.SenderAddress = prev.Vout[prevVout].Address
		}
	}
	return tx, nil
}

// fetchTx is the raw getrawtransaction fetch, returning the parsed tx
// plus the first input's prevout reference so GetTransaction can resolve
// the sender without recursing.
func (c *Client) fetchTx(ctx context.Context, txid string) (*Tx, string, uint32, error) {
	result, err := c.call(ctx, "getrawtransaction", []interface{}{txid, true})
	if err != nil {
		return nil, "", 0, err
	}
	return parseRawTransaction(result)
}

// FindTransactionsByAddressAndAmount returns every transaction paying
// exactly amountSats to addr. Uses scantxoutset — unlike listunspent it
// does not require the address to be wallet-imported — then filters to
// exact per-output amount equality (no tolerance) and reloads each
// candidate via getrawtransaction so confirmations/blockheight/sender
// are populated.
func (c *Client) FindTransactionsByAddressAndAmount(ctx context.Context, addr string, amountSats uint64) ([]Tx, error) {
	result, err := c.call(ctx, "scantxoutset", []interface{}{
		"start",
		[]string{"addr(" + addr + ")"},
	})
	if err != nil {
		return nil, fmt.Errorf("l1rpc: scantxoutset: %w", err)
	}

	var scan struct {
		Success bool `json:"success"`
		Unspent []struct {
			TxID   string  `json:"txid"`
			Amount float64 `json:"amount"`
		} `json:"unspents"`
	}
	if err := json.Unmarshal(result, &scan); err != nil {
		return nil, fmt.Errorf("l1rpc: parse scantxoutset: %w", err)
	}
	if !scan.Success {
		return nil, fmt.Errorf("l1rpc: scantxoutset scan did not succeed")
	}

	seen := map[string]bool{}
	var out []Tx
	for _, u := range scan.Unspent {
		if seen[u.TxID] {
			continue
		}
		seen[u.TxID] = true

		sats := uint64(u.Amount*1e8 + 0.5)
		if sats != amountSats {
			continue
		}

		tx, err := c.GetTransaction(ctx, u.TxID)
		if err != nil {
			continue // transient candidate; the next tick will see it again
		}
		out = append(out, *tx)
	}
	return out, nil
}

func parseRawTransaction(result json.RawMessage) (tx *Tx, prevTxid string, prevVout uint32, err error) {
	var raw struct {
		TxID          string `json:"txid"`
		Confirmations int64  `json:"confirmations"`
		BlockHeight   *int64 `json:"height"`
		Vin           []struct {
			TxID string `json:"txid"`
			Vout uint32 `json:"vout"`
		} `json:"vin"`
		Vout []struct {
			Value        float64 `json:"value"`
			ScriptPubKey struct {
				Address string `json:"address"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, "", 0, fmt.Errorf("l1rpc: parse getrawtransaction: %w", err)
	}

	tx = &Tx{
		Txid:          raw.TxID,
		Confirmations: raw.Confirmations,
	}
	if raw.BlockHeight != nil {
		h := uint32(*raw.BlockHeight)
		tx.BlockHeight = &h
	}
	if len(raw.Vin) > 0 {
		prevTxid, prevVout = raw.Vin[0].TxID, raw.Vin[0].Vout
	}
	for _, v := range raw.Vout {
		tx.Vout = append(tx.Vout, TxOut{
			Address:    v.ScriptPubKey.Address,
			AmountSats: uint64(v.Value*1e8 + 0.5),
		})
	}
	return tx, prevTxid, prevVout, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.metrics != nil {
		start := time.Now()
		defer func() { c.metrics.L1RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds()) }()
	}

	result, err := c.doCall(ctx, method, params)
	if err != nil && c.metrics != nil {
		c.metrics.L1RPCErrorsTotal.WithLabelValues(method).Inc()
	}
	return result, err
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClient, err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrClient, err)
	}
	if response.Error != nil {
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
	}
	return response.Result, nil
}
