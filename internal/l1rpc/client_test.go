package l1rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coinshift/coinshift/internal/chainparams"
)

// rpcServer replies with result for any method in results, keyed by
// method name, or an RPC error for anything else.
func rpcServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found: " + req.Method}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHealthyReportsNotInIBD(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{
		"getblockchaininfo": map[string]interface{}{"initialblockdownload": false},
	})
	defer srv.Close()

	c := New(chainparams.BTC, Config{URL: srv.URL})
	ok, err := c.Healthy(context.Background())
	if err != nil {
		t.Fatalf("healthy: %v", err)
	}
	if !ok {
		t.Fatal("expected healthy")
	}
}

func TestHealthyReportsIBD(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{
		"getblockchaininfo": map[string]interface{}{"initialblockdownload": true},
	})
	defer srv.Close()

	c := New(chainparams.BTC, Config{URL: srv.URL})
	ok, err := c.Healthy(context.Background())
	if err != nil {
		t.Fatalf("healthy: %v", err)
	}
	if ok {
		t.Fatal("expected unhealthy during IBD")
	}
}

func TestGetTransactionParsesFields(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{
		"getrawtransaction": map[string]interface{}{
			"txid":          "abc123",
			"confirmations": 6,
			"height":        100,
			"vin":           []map[string]interface{}{{"txid": "senderprevtxid", "vout": 0}},
			"vout": []map[string]interface{}{
				{"value": 0.001, "scriptPubKey": map[string]interface{}{"address": "bc1qrecipient"}},
			},
		},
	})
	defer srv.Close()

	c := New(chainparams.BTC, Config{URL: srv.URL})
	tx, err := c.GetTransaction(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("get_transaction: %v", err)
	}
	if tx.Confirmations != 6 {
		t.Fatalf("expected 6 confirmations, got %d", tx.Confirmations)
	}
	if tx.BlockHeight == nil || *tx.BlockHeight != 100 {
		t.Fatal("expected block height 100")
	}
	if len(tx.Vout) != 1 || tx.Vout[0].AmountSats != 100000 {
		t.Fatalf("expected one output of 100000 sats, got %+v", tx.Vout)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{})
	defer srv.Close()

	c := New(chainparams.BTC, Config{URL: srv.URL})
	_, err := c.GetTransaction(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "transaction not found") {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestFindTransactionsByAddressAndAmountFiltersExactMatch(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{
		"scantxoutset": map[string]interface{}{
			"success": true,
			"unspents": []map[string]interface{}{
				{"txid": "match1", "vout": 0, "amount": 0.0005},
				{"txid": "nomatch", "vout": 0, "amount": 0.0006},
			},
		},
		"getrawtransaction": map[string]interface{}{
			"txid":          "match1",
			"confirmations": 3,
			"height":        50,
			"vin":           []map[string]interface{}{{"txid": "prev", "vout": 0}},
			"vout":          []map[string]interface{}{{"value": 0.0005, "scriptPubKey": map[string]interface{}{"address": "bc1qalice"}}},
		},
	})
	defer srv.Close()

	c := New(chainparams.BTC, Config{URL: srv.URL})
	txs, err := c.FindTransactionsByAddressAndAmount(context.Background(), "bc1qalice", 50000)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(txs) != 1 || txs[0].Txid != "match1" {
		t.Fatalf("expected exactly the matching tx, got %+v", txs)
	}
}
