// Package scheduler couples L1 observation to the sidechain's view of
// its mainchain. There is no polling — Scheduler exposes exactly one
// entry point, called by internal/sidechain.Chain.Connect inside the
// same write transaction that applies two-way-peg data, never by a
// timer. It satisfies sidechain.Scheduler without importing that
// package; the consumer defines the interface it needs.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coinshift/coinshift/pkg/logging"
)

// Observer is the narrow view of internal/l1observer.Observer the
// scheduler needs; declared locally so this package doesn't import
// l1observer's full surface (SetClient, construction) — only what
// OnMainchainTipAdvance actually calls.
type Observer interface {
	Tick(ctx context.Context, tx *sql.Tx, sidechainHeight uint32) error
}

// Scheduler drives one observer tick per mainchain-tip advance.
type Scheduler struct {
	observer Observer
	log      *logging.Logger
}

// New constructs a Scheduler over observer.
func New(observer Observer) *Scheduler {
	return &Scheduler{
		observer: observer,
		log:      logging.GetDefault().Component("scheduler"),
	}
}

// OnMainchainTipAdvance is the single entry point block connect invokes
// whenever a connected block carries new two-way-peg data. It runs the
// observer once for the whole advance, regardless of how many mainchain
// blocks the advance spans — the L1 observation pipeline is
// edge-triggered per sidechain-observed mainchain-tip change, not per
// sidechain block.
func (s *Scheduler) OnMainchainTipAdvance(ctx context.Context, tx *sql.Tx, sidechainHeight uint32, mainchainHeight uint32) error {
	s.log.Debug("mainchain tip advance", "sidechain_height", sidechainHeight, "mainchain_height", mainchainHeight)

	if err := s.observer.Tick(ctx, tx, sidechainHeight); err != nil {
		return fmt.Errorf("scheduler: l1 observer tick: %w", err)
	}
	return nil
}
