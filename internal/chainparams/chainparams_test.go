package chainparams

import "testing"

func TestGetKnownChains(t *testing.T) {
	for _, ty := range All() {
		p, err := Get(ty)
		if err != nil {
			t.Fatalf("Get(%v): %v", ty, err)
		}
		if p.SatsPerCoin != 100_000_000 {
			t.Fatalf("unexpected SatsPerCoin for %v: %d", ty, p.SatsPerCoin)
		}
		if p.Ticker == "" {
			t.Fatalf("empty ticker for %v", ty)
		}
	}
}

func TestGetUnknownChain(t *testing.T) {
	if _, err := Get(Type(99)); err == nil {
		t.Fatal("expected error for unregistered chain type")
	}
}

func TestParseTickerRoundTrip(t *testing.T) {
	for _, ty := range All() {
		p, _ := Get(ty)
		got, err := ParseTicker(p.Ticker)
		if err != nil {
			t.Fatalf("ParseTicker(%q): %v", p.Ticker, err)
		}
		if got != ty {
			t.Fatalf("ParseTicker(%q) = %v, want %v", p.Ticker, got, ty)
		}
	}
}

func TestParseTickerUnknown(t *testing.T) {
	if _, err := ParseTicker("DOGE"); err == nil {
		t.Fatal("expected error for unsupported ticker")
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid(BTC) {
		t.Fatal("BTC should be valid")
	}
	if IsValid(Type(200)) {
		t.Fatal("Type(200) should not be valid")
	}
}
