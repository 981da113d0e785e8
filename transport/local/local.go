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

// Package local implements transport.Transport for p PEs running as
// goroutines inside a single process. Collective operations are
// implemented as a double barrier guarded by one mutex and condition
// variable per Group, directly in the spirit of the teacher's
// sorting.ThreadPool worker-wakeup pattern and plan's goroutine-per-
// subtree fan-out (mkexec/subexec) -- the combining step plays the
// role the teacher gives to the single goroutine that owns a
// sync.WaitGroup.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/kurpicz-labs/dpt/transport"
)

// Group is a set of p in-process PEs sharing one synchronization
// barrier. Call NewGroup once, then Rank(r) for each PE's own
// transport.Transport handle.
type Group struct {
	p int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     int
	arrived int
	slot    []any
	result  any
}

// NewGroup creates a Group of p in-process PEs.
func NewGroup(p int) *Group {
	if p <= 0 {
		panic("local: non-positive PE count")
	}
	g := &Group{
		p:    p,
		slot: make([]any, p),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Rank returns the transport.Transport handle for PE r.
func (g *Group) Rank(r int) transport.Transport {
	if r < 0 || r >= g.p {
		panic(fmt.Sprintf("local: rank %d out of range [0,%d)", r, g.p))
	}
	return &handle{g: g, r: r}
}

// roundAt is the shared double-barrier primitive: every PE calls
// roundAt with its own rank and contribution; the last PE to arrive
// invokes combine over the full per-rank slot slice, and the result
// is handed back to every PE (including the combiner). Since slot is
// reused across rounds but each rank only ever writes its own index,
// and the whole dance happens under g.mu, there is no data race
// between a slow straggler reading round N's result and a fast PE
// already writing round N+1's contribution.
func (g *Group) roundAt(rank int, contribute any, combine func([]any) any) any {
	g.mu.Lock()
	myGen := g.gen
	g.slot[rank] = contribute
	g.arrived++
	if g.arrived == g.p {
		g.result = combine(g.slot)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == myGen {
			g.cond.Wait()
		}
	}
	res := g.result
	g.mu.Unlock()
	return res
}

type handle struct {
	g *Group
	r int
}

func (h *handle) Rank() int { return h.r }
func (h *handle) Size() int { return h.g.p }

func (h *handle) AllToAll(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != h.g.p {
		return nil, transport.ErrRankMismatch
	}
	res := h.g.roundAt(h.r, send, func(slot []any) any {
		out := make([][][]byte, h.g.p)
		for dst := 0; dst < h.g.p; dst++ {
			out[dst] = make([][]byte, h.g.p)
			for src := 0; src < h.g.p; src++ {
				out[dst][src] = slot[src].([][]byte)[dst]
			}
		}
		return out
	})
	return res.([][][]byte)[h.r], nil
}

func (h *handle) AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != h.g.p {
		return nil, transport.ErrRankMismatch
	}
	res := h.g.roundAt(h.r, send, func(slot []any) any {
		out := make([][][]byte, h.g.p)
		for dst := 0; dst < h.g.p; dst++ {
			recv := make([][]byte, h.g.p)
			for src := 0; src < h.g.p; src++ {
				recv[src] = slot[src].([][]byte)[dst]
			}
			out[dst] = recv
		}
		return out
	})
	return res.([][][]byte)[h.r], nil
}

func (h *handle) AllReduceAnd(ctx context.Context, v bool) (bool, error) {
	res := h.g.roundAt(h.r, v, func(slot []any) any {
		out := true
		for _, s := range slot {
			out = out && s.(bool)
		}
		return out
	})
	return res.(bool), nil
}

func (h *handle) AllReduceMax(ctx context.Context, v int64) (int64, error) {
	res := h.g.roundAt(h.r, v, func(slot []any) any {
		out := slot[0].(int64)
		for _, s := range slot[1:] {
			if x := s.(int64); x > out {
				out = x
			}
		}
		return out
	})
	return res.(int64), nil
}

func (h *handle) AllGather(ctx context.Context, v []byte) ([][]byte, error) {
	res := h.g.roundAt(h.r, v, func(slot []any) any {
		out := make([][]byte, len(slot))
		for i, s := range slot {
			out[i] = s.([]byte)
		}
		return out
	})
	return res.([][]byte), nil
}

func (h *handle) Barrier(ctx context.Context) error {
	h.g.roundAt(h.r, struct{}{}, func(slot []any) any { return struct{}{} })
	return nil
}

func (h *handle) OpenWindow(ctx context.Context, name string, local []byte) (transport.Window, error) {
	res := h.g.roundAt(h.r, local, func(slot []any) any {
		bufs := make([][]byte, len(slot))
		for i, s := range slot {
			bufs[i] = s.([]byte)
		}
		return &window{bufs: bufs}
	})
	return res.(*window), nil
}

// window is a registry of every PE's contributed buffer for one named
// OpenWindow call; GetBatch simply indexes into the owning PE's buffer,
// since every PE shares the same address space in this transport.
type window struct {
	bufs [][]byte
}

func (w *window) GetBatch(ctx context.Context, reqs []transport.GetRequest) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	for i, r := range reqs {
		if r.Target < 0 || r.Target >= len(w.bufs) {
			return nil, fmt.Errorf("local: get target %d out of range", r.Target)
		}
		buf := w.bufs[r.Target]
		end := r.LocalOffset + r.Length
		if r.LocalOffset < 0 || end > int64(len(buf)) {
			return nil, fmt.Errorf("local: get [%d,%d) out of range for target %d (len %d)",
				r.LocalOffset, end, r.Target, len(buf))
		}
		dup := make([]byte, r.Length)
		copy(dup, buf[r.LocalOffset:end])
		out[i] = dup
	}
	return out, nil
}

func (w *window) Close() error { return nil }
