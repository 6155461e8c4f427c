// Package main provides coinshift-cli, a thin JSON-RPC client for the
// swap operations coinshiftd exposes over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
)

// Exit codes: 0 success, 1 a swap-domain error (the RPC call reached the
// daemon and it rejected the request), 2 a config/plumbing error (the
// daemon could not be reached, or the arguments were malformed before
// any request was sent).
const (
	exitOK          = 0
	exitSwapError   = 1
	exitConfigError = 2
)

const flagAddr = "addr"

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

func main() {
	app := &cli.App{
		Name:  "coinshift-cli",
		Usage: "Client for coinshiftd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagAddr,
				Aliases: []string{"a"},
				Value:   "127.0.0.1:8645",
				Usage:   "coinshiftd JSON-RPC address",
			},
		},
		Commands: []*cli.Command{
			createSwapCmd(),
			fundAddressCmd(),
			updateSwapL1TxidCmd(),
			claimSwapCmd(),
			listSwapsCmd(),
			listSwapsByRecipientCmd(),
			getSwapStatusCmd(),
			reconstructSwapsCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, "error:", ec.Error())
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitConfigError)
	}
}

func createSwapCmd() *cli.Command {
	return &cli.Command{
		Name:      "create-swap",
		Usage:     "Post a new L2-to-L1 swap offer",
		ArgsUsage: "<parent_chain> <l1_recipient_address> <l1_amount_sats> <l2_sender_address> <l2_amount_sats> [l2_recipient]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "fee-sats",
				Usage: "Fee deducted from the selected funding inputs",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 5 {
				return cli.Exit("create-swap requires parent_chain l1_recipient_address l1_amount_sats l2_sender_address l2_amount_sats [l2_recipient]", exitConfigError)
			}
			l1Amount, err := strconv.ParseUint(c.Args().Get(2), 10, 64)
			if err != nil {
				return cli.Exit(fmt.Sprintf("l1_amount_sats: %v", err), exitConfigError)
			}
			l2Amount, err := strconv.ParseUint(c.Args().Get(4), 10, 64)
			if err != nil {
				return cli.Exit(fmt.Sprintf("l2_amount_sats: %v", err), exitConfigError)
			}
			params := map[string]interface{}{
				"parent_chain":         c.Args().Get(0),
				"l1_recipient_address": c.Args().Get(1),
				"l1_amount_sats":       l1Amount,
				"l2_sender_address":    c.Args().Get(3),
				"l2_amount_sats":       l2Amount,
				"fee_sats":             c.Uint64("fee-sats"),
			}
			if c.Args().Len() > 5 {
				params["l2_recipient"] = c.Args().Get(5)
			}
			return invoke(c, "create_swap", params)
		},
	}
}

func fundAddressCmd() *cli.Command {
	return &cli.Command{
		Name:      "fund-address",
		Usage:     "Mint spendable sidechain funds to an address (single-node faucet)",
		ArgsUsage: "<l2_address> <amount_sats>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return cli.Exit("fund-address requires l2_address amount_sats", exitConfigError)
			}
			amount, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
			if err != nil {
				return cli.Exit(fmt.Sprintf("amount_sats: %v", err), exitConfigError)
			}
			return invoke(c, "fund_address", map[string]interface{}{
				"address":     c.Args().Get(0),
				"amount_sats": amount,
			})
		},
	}
}

func updateSwapL1TxidCmd() *cli.Command {
	return &cli.Command{
		Name:      "update-swap-l1-txid",
		Usage:     "Manually record the L1 txid funding a swap",
		ArgsUsage: "<swap_id> <l1_txid_hex> <confirmations>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return cli.Exit("update-swap-l1-txid requires swap_id l1_txid_hex confirmations", exitConfigError)
			}
			confirmations, err := strconv.ParseUint(c.Args().Get(2), 10, 32)
			if err != nil {
				return cli.Exit(fmt.Sprintf("confirmations: %v", err), exitConfigError)
			}
			return invoke(c, "update_swap_l1_txid", map[string]interface{}{
				"swap_id":       c.Args().Get(0),
				"l1_txid":       c.Args().Get(1),
				"confirmations": confirmations,
			})
		},
	}
}

func claimSwapCmd() *cli.Command {
	return &cli.Command{
		Name:      "claim-swap",
		Usage:     "Claim a swap that has reached its confirmation threshold",
		ArgsUsage: "<swap_id> [l2_claimer_address]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("claim-swap requires swap_id [l2_claimer_address]", exitConfigError)
			}
			params := map[string]interface{}{"swap_id": c.Args().Get(0)}
			if c.Args().Len() > 1 {
				params["l2_claimer_address"] = c.Args().Get(1)
			}
			return invoke(c, "claim_swap", params)
		},
	}
}

func listSwapsCmd() *cli.Command {
	return &cli.Command{
		Name:  "list-swaps",
		Usage: "List every known swap",
		Action: func(c *cli.Context) error {
			return invoke(c, "list_swaps", nil)
		},
	}
}

func listSwapsByRecipientCmd() *cli.Command {
	return &cli.Command{
		Name:      "list-swaps-by-recipient",
		Usage:     "List swaps addressed to an L2 recipient",
		ArgsUsage: "<l2_recipient>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("list-swaps-by-recipient requires l2_recipient", exitConfigError)
			}
			return invoke(c, "list_swaps_by_recipient", map[string]interface{}{"l2_recipient": c.Args().Get(0)})
		},
	}
}

func getSwapStatusCmd() *cli.Command {
	return &cli.Command{
		Name:      "get-swap-status",
		Usage:     "Show a single swap's current state",
		ArgsUsage: "<swap_id>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("get-swap-status requires swap_id", exitConfigError)
			}
			return invoke(c, "get_swap_status", map[string]interface{}{"swap_id": c.Args().Get(0)})
		},
	}
}

func reconstructSwapsCmd() *cli.Command {
	return &cli.Command{
		Name:  "reconstruct-swaps",
		Usage: "Rebuild swap state from the block log",
		Action: func(c *cli.Context) error {
			return invoke(c, "reconstruct_swaps", nil)
		},
	}
}

// invoke calls method on the daemon named by the addr flag and prints
// the result, translating an RPC-level error into exitSwapError and any
// transport/decode failure into exitConfigError.
func invoke(c *cli.Context, method string, params interface{}) error {
	result, rpcErr, err := call(c.String(flagAddr), method, params)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if rpcErr != nil {
		msg := fmt.Sprintf("swap error: %s (code %d)", rpcErr.Message, rpcErr.Code)
		if rpcErr.Data != nil {
			data, _ := json.MarshalIndent(rpcErr.Data, "", "  ")
			msg = msg + "\n" + string(data)
		}
		return cli.Exit(msg, exitSwapError)
	}

	pretty, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(pretty))
	return nil
}

func call(addr, method string, params interface{}) (json.RawMessage, *rpcError, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	httpResp, err := client.Post(fmt.Sprintf("http://%s/", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer httpResp.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.Error != nil {
		return nil, resp.Error, nil
	}
	return resp.Result, nil, nil
}
