// Package chainparams defines the closed set of L1 parent chains a
// Coinshift swap can settle against, and the per-chain metadata the rest
// of the swap subsystem defaults from.
package chainparams

import "fmt"

// Type is the closed enum of supported parent chains. The wire
// discriminant is the byte value of the constant itself, so it must
// never be renumbered once released.
type Type byte

const (
	BTC Type = iota
	BCH
	LTC
	Signet
	Regtest
)

// Params carries the per-chain defaults an offer falls back to when the
// caller omits them, plus display metadata.
type Params struct {
	Type                  Type
	Ticker                string
	CoinName              string
	DefaultConfirmations  uint32
	DefaultRPCPort        uint16
	SatsPerCoin           uint64
}

var registry = map[Type]*Params{
	BTC: {
		Type:                 BTC,
		Ticker:               "BTC",
		CoinName:             "Bitcoin",
		DefaultConfirmations: 6,
		DefaultRPCPort:       8332,
		SatsPerCoin:          100_000_000,
	},
	BCH: {
		Type:                 BCH,
		Ticker:               "BCH",
		CoinName:             "Bitcoin Cash",
		DefaultConfirmations: 10,
		DefaultRPCPort:       8332,
		SatsPerCoin:          100_000_000,
	},
	LTC: {
		Type:                 LTC,
		Ticker:               "LTC",
		CoinName:             "Litecoin",
		DefaultConfirmations: 12,
		DefaultRPCPort:       9332,
		SatsPerCoin:          100_000_000,
	},
	Signet: {
		Type:                 Signet,
		Ticker:               "tBTC",
		CoinName:             "Bitcoin Signet",
		DefaultConfirmations: 2,
		DefaultRPCPort:       38332,
		SatsPerCoin:          100_000_000,
	},
	Regtest: {
		Type:                 Regtest,
		Ticker:               "rBTC",
		CoinName:             "Bitcoin Regtest",
		DefaultConfirmations: 1,
		DefaultRPCPort:       18443,
		SatsPerCoin:          100_000_000,
	},
}

// ErrUnknownChain is returned by Get/MustGet for an unregistered discriminant.
var ErrUnknownChain = fmt.Errorf("chainparams: unknown parent chain")

// Get returns the metadata for a parent chain type.
func Get(t Type) (*Params, error) {
	p, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, t)
	}
	return p, nil
}

// IsValid reports whether t is one of the closed enum's defined values.
func IsValid(t Type) bool {
	_, ok := registry[t]
	return ok
}

// All returns every registered parent chain type, ordered by discriminant.
func All() []Type {
	return []Type{BTC, BCH, LTC, Signet, Regtest}
}

// String implements fmt.Stringer for log and error messages.
func (t Type) String() string {
	if p, ok := registry[t]; ok {
		return p.Ticker
	}
	return fmt.Sprintf("Type(%d)", byte(t))
}

// ParseTicker maps a chain name back to its Type. It accepts both the
// variant name (BTC, BCH, LTC, Signet, Regtest — as the create_swap RPC
// and the config keys spell it) and the registry Ticker (so Signet's
// "tBTC" and Regtest's "rBTC" round-trip through String).
func ParseTicker(s string) (Type, error) {
	switch s {
	case "BTC":
		return BTC, nil
	case "BCH":
		return BCH, nil
	case "LTC":
		return LTC, nil
	case "Signet", "tBTC":
		return Signet, nil
	case "Regtest", "rBTC":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
}
