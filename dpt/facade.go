// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package dpt is the facade every caller (the CLI, the worker binary,
// a future embedder) drives: load a corpus, build the per-PE and
// global tries once, then answer batched existential/counting/
// enumeration queries against them. It holds the Uninitialized ->
// Constructed -> Ready state machine spec.md section 4 describes,
// directly in the spirit of core.Environ's state-holding facade
// struct and plan.Tree/plan.Exec's build-then-run split.
package dpt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kurpicz-labs/dpt/compacttrie"
	"github.com/kurpicz-labs/dpt/corpus"
	"github.com/kurpicz-labs/dpt/dispatch"
	"github.com/kurpicz-labs/dpt/dptlog"
	"github.com/kurpicz-labs/dpt/partition"
	"github.com/kurpicz-labs/dpt/patricia"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/reqengine"
	"github.com/kurpicz-labs/dpt/transport"
)

// Sentinel errors reported by Facade methods, matching the teacher's
// plan/db convention of package-scope errors.New compared via
// errors.Is.
var (
	ErrNotConstructed     = errors.New("dpt: facade has not been constructed")
	ErrAlreadyConstructed = errors.New("dpt: facade has already been constructed")
	ErrNotReady           = errors.New("dpt: facade is not ready to answer queries")
)

type state int

const (
	stateUninitialized state = iota
	stateConstructed
	stateReady
)

// Strategy selects which reqengine.Strategy implementation Construct
// wires up.
type Strategy int

const (
	// Collective uses reqengine.Collective: two alltoallv rounds.
	Collective Strategy = iota
	// OneSided uses reqengine.OneSided: round-robin Window.GetBatch.
	OneSided
)

// Config is every value Construct needs besides the transport itself.
type Config struct {
	TextPath, SAPath, LCPPath string
	Width                     corpus.IndexWidth
	MaxQueryLength            int64
	Strategy                  Strategy
	// Logger receives "CONSTRUCTION TIME:"/"QUERY TIME:" lines; if nil,
	// dptlog.Default() is used. Lines are only ever emitted on PE 0,
	// via dptlog.OnPE0, regardless of what Logger logs to.
	Logger dptlog.Logger
}

// Facade is the single entry point a PE drives its share of a
// distributed index build and query through.
type Facade struct {
	tr  transport.Transport
	cfg Config
	log dptlog.Logger

	state state

	strat      reqengine.Strategy
	closeStrat func() error
	local      *patricia.Trie
	global     *compacttrie.Trie
	disp       *dispatch.Dispatcher
}

// New builds an Uninitialized Facade bound to tr. Call Construct, then
// Ready, before issuing any batched query.
func New(tr transport.Transport, cfg Config) *Facade {
	log := cfg.Logger
	if log == nil {
		log = dptlog.Default()
	}
	return &Facade{tr: tr, cfg: cfg, log: dptlog.OnPE0(tr.Rank(), log)}
}

// Construct loads this PE's shard of the corpus, builds its local
// patricia.Trie, exchanges boundary pairs with every other PE, and
// builds the shared compacttrie.Trie -- moving Uninitialized ->
// Constructed. It must be called by every PE in the group.
func (f *Facade) Construct(ctx context.Context) error {
	if f.state != stateUninitialized {
		return fmt.Errorf("dpt: Construct: %w", ErrAlreadyConstructed)
	}
	start := time.Now()

	corp, err := corpus.Load(f.cfg.TextPath, f.cfg.SAPath, f.cfg.LCPPath, f.cfg.Width)
	if err != nil {
		return fmt.Errorf("dpt: Construct: %w", err)
	}
	f.log.Printf("CORPUS HASH: %s", hex.EncodeToString(corp.Hash[:]))
	pt := partition.New(len(corp.Text), f.tr.Size())
	// Co-locate maxQueryLength trailing bytes from the next shard so
	// that a verify/edge read starting near this PE's right boundary
	// never needs another PE's help to complete, regardless of which
	// Strategy answers it.
	text, sa, lcp := corp.Shard(pt, f.tr.Rank(), f.cfg.MaxQueryLength)

	switch f.cfg.Strategy {
	case OneSided:
		strat, err := reqengine.NewOneSided(ctx, f.tr, pt, text)
		if err != nil {
			return fmt.Errorf("dpt: Construct: opening one-sided window: %w", err)
		}
		f.strat = strat
		f.closeStrat = strat.Close
	default:
		f.strat = reqengine.NewCollective(f.tr, pt, text)
		f.closeStrat = func() error { return nil }
	}

	localTrie, err := patricia.Build(ctx, f.strat, sa, lcp, f.cfg.MaxQueryLength, int64(len(corp.Text)))
	if err != nil {
		return fmt.Errorf("dpt: Construct: building local trie: %w", err)
	}

	gathered, err := f.tr.AllGather(ctx, encodeBoundary(localTrie.GlobalSA, localTrie.GlobalLCP))
	if err != nil {
		return fmt.Errorf("dpt: Construct: gathering boundary pairs: %w", err)
	}
	globalSA := make([][2]int64, len(gathered))
	globalLCP := make([][2]int64, len(gathered))
	for i, buf := range gathered {
		globalSA[i], globalLCP[i] = decodeBoundary(buf)
	}

	globalTrie, err := compacttrie.Build(ctx, f.strat, globalSA, globalLCP, f.cfg.MaxQueryLength, int64(len(corp.Text)))
	if err != nil {
		return fmt.Errorf("dpt: Construct: building global trie: %w", err)
	}

	f.local = localTrie
	f.global = globalTrie
	f.disp = dispatch.New(f.tr, globalTrie)
	f.state = stateConstructed
	f.log.Printf("CONSTRUCTION TIME: %.3f", time.Since(start).Seconds())
	return nil
}

// Ready confirms every PE has finished Construct (via a Barrier) and
// moves Constructed -> Ready, after which batched queries may be
// issued.
func (f *Facade) Ready(ctx context.Context) error {
	if f.state != stateConstructed {
		return fmt.Errorf("dpt: Ready: %w", ErrNotConstructed)
	}
	if err := f.tr.Barrier(ctx); err != nil {
		return fmt.Errorf("dpt: Ready: %w", err)
	}
	f.state = stateReady
	return nil
}

// Close releases any resources Construct opened (the one-sided window,
// if that strategy was selected).
func (f *Facade) Close() error {
	if f.closeStrat == nil {
		return nil
	}
	return f.closeStrat()
}

func (f *Facade) checkReady() error {
	if f.state != stateReady {
		return fmt.Errorf("dpt: %w", ErrNotReady)
	}
	return nil
}

// ExistentialBatched reports, for each query in batch, whether it
// occurs anywhere in the distributed text.
func (f *Facade) ExistentialBatched(ctx context.Context, batch *querybatch.Batch) ([]bool, error) {
	if err := f.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := f.disp.Existential(ctx, batch, f.strat, f.local)
	f.log.Printf("QUERY TIME: %.3f", time.Since(start).Seconds())
	return out, err
}

// CountingBatched reports, for each query in batch, the total number
// of occurrences across the distributed text.
func (f *Facade) CountingBatched(ctx context.Context, batch *querybatch.Batch) ([]int64, error) {
	if err := f.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := f.disp.Counting(ctx, batch, f.strat, f.local)
	f.log.Printf("QUERY TIME: %.3f", time.Since(start).Seconds())
	return out, err
}

// EnumerationBatched reports, for each query in batch, every global
// text position where it occurs.
func (f *Facade) EnumerationBatched(ctx context.Context, batch *querybatch.Batch) ([][]int64, error) {
	if err := f.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := f.disp.Enumeration(ctx, batch, f.strat, f.local)
	f.log.Printf("QUERY TIME: %.3f", time.Since(start).Seconds())
	return out, err
}
