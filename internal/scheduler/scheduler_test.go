package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

type fakeObserver struct {
	calls      int
	lastHeight uint32
	err        error
}

func (f *fakeObserver) Tick(ctx context.Context, tx *sql.Tx, sidechainHeight uint32) error {
	f.calls++
	f.lastHeight = sidechainHeight
	return f.err
}

func TestOnMainchainTipAdvanceInvokesObserverOnce(t *testing.T) {
	obs := &fakeObserver{}
	s := New(obs)

	if err := s.OnMainchainTipAdvance(context.Background(), nil, 42, 900); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.calls != 1 {
		t.Fatalf("expected exactly one Tick call, got %d", obs.calls)
	}
	if obs.lastHeight != 42 {
		t.Fatalf("expected sidechain height 42, got %d", obs.lastHeight)
	}
}

func TestOnMainchainTipAdvancePropagatesObserverError(t *testing.T) {
	wantErr := errors.New("boom")
	obs := &fakeObserver{err: wantErr}
	s := New(obs)

	if err := s.OnMainchainTipAdvance(context.Background(), nil, 1, 1); !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped observer error, got %v", err)
	}
}
