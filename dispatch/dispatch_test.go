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

package dispatch

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"testing"

	"github.com/kurpicz-labs/dpt/compacttrie"
	"github.com/kurpicz-labs/dpt/partition"
	"github.com/kurpicz-labs/dpt/patricia"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/reqengine"
	"github.com/kurpicz-labs/dpt/transport/local"
)

// text, sa and lcp are the same "banana$" example compacttrie's own
// test uses, now wired through a genuine 2-rank transport group so
// the local patricia tries can verify candidates against each other's
// text shards, not just route.
const text = "banana$"

var (
	sa  = []int64{6, 5, 3, 1, 0, 4, 2}
	lcp = []int64{0, 0, 1, 3, 0, 0, 2}
)

func encodeBoundary(sa, lcp [2]int64) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], uint64(sa[0]))
	binary.LittleEndian.PutUint64(buf[8:], uint64(sa[1]))
	binary.LittleEndian.PutUint64(buf[16:], uint64(lcp[0]))
	binary.LittleEndian.PutUint64(buf[24:], uint64(lcp[1]))
	return buf
}

func decodeBoundary(buf []byte) (sa, lcp [2]int64) {
	sa[0] = int64(binary.LittleEndian.Uint64(buf[0:]))
	sa[1] = int64(binary.LittleEndian.Uint64(buf[8:]))
	lcp[0] = int64(binary.LittleEndian.Uint64(buf[16:]))
	lcp[1] = int64(binary.LittleEndian.Uint64(buf[24:]))
	return
}

// setup builds, on every rank concurrently, the local patricia trie,
// the shared global compact trie (via a real AllGather), and a
// Dispatcher bound to the same 2-rank group -- then hands each rank's
// triple to fn so the caller can issue whatever batched calls it wants.
func setup(t *testing.T, fn func(r int, d *Dispatcher, strat reqengine.Strategy, pt *patricia.Trie)) {
	t.Helper()
	const p = 2
	pr := partition.New(len(text), p)
	g := local.NewGroup(p)

	var wg sync.WaitGroup
	wg.Add(p)
	for r := 0; r < p; r++ {
		go func(r int) {
			defer wg.Done()
			tr := g.Rank(r)
			ctx := context.Background()

			tb := pr.Bounds(r)
			localText := []byte(text)[tb.Start:tb.End]
			strat := reqengine.NewCollective(tr, pr, localText)

			localTrie, err := patricia.Build(ctx, strat, sa[tb.Start:tb.End], lcp[tb.Start:tb.End], 64, int64(len(text)))
			if err != nil {
				t.Errorf("rank %d: patricia.Build: %v", r, err)
				return
			}

			gathered, err := tr.AllGather(ctx, encodeBoundary(localTrie.GlobalSA, localTrie.GlobalLCP))
			if err != nil {
				t.Errorf("rank %d: AllGather: %v", r, err)
				return
			}
			var globalSA, globalLCP [][2]int64
			for _, buf := range gathered {
				s, l := decodeBoundary(buf)
				globalSA = append(globalSA, s)
				globalLCP = append(globalLCP, l)
			}

			gt, err := compacttrie.Build(ctx, strat, globalSA, globalLCP, 64, int64(len(text)))
			if err != nil {
				t.Errorf("rank %d: compacttrie.Build: %v", r, err)
				return
			}

			d := New(tr, gt)
			fn(r, d, strat, localTrie)
		}(r)
	}
	wg.Wait()
}

func batchOf(queries ...string) *querybatch.Batch {
	var data []byte
	lens := make([]int, len(queries))
	for i, q := range queries {
		data = append(data, q...)
		lens[i] = len(q)
	}
	b, err := querybatch.New(data, lens)
	if err != nil {
		panic(err)
	}
	return b
}

func TestExistentialAcrossPEs(t *testing.T) {
	want := map[int]map[string]bool{
		0: {"ana": true, "$": true},
		1: {"ban": true, "xyz": false},
	}
	queries := map[int][]string{
		0: {"ana", "$"},
		1: {"ban", "xyz"},
	}
	setup(t, func(r int, d *Dispatcher, strat reqengine.Strategy, pt *patricia.Trie) {
		local := batchOf(queries[r]...)
		got, err := d.Existential(context.Background(), local, strat, pt)
		if err != nil {
			t.Errorf("rank %d: Existential: %v", r, err)
			return
		}
		for i, q := range queries[r] {
			if got[i] != want[r][q] {
				t.Errorf("rank %d: Existential(%q) = %v, want %v", r, q, got[i], want[r][q])
			}
		}
	})
}

func TestCountingAcrossPEs(t *testing.T) {
	want := map[int]map[string]int64{
		0: {"a": 3, "na": 2},
		1: {"ana": 2, "z": 0},
	}
	queries := map[int][]string{
		0: {"a", "na"},
		1: {"ana", "z"},
	}
	setup(t, func(r int, d *Dispatcher, strat reqengine.Strategy, pt *patricia.Trie) {
		local := batchOf(queries[r]...)
		got, err := d.Counting(context.Background(), local, strat, pt)
		if err != nil {
			t.Errorf("rank %d: Counting: %v", r, err)
			return
		}
		for i, q := range queries[r] {
			if got[i] != want[r][q] {
				t.Errorf("rank %d: Counting(%q) = %d, want %d", r, q, got[i], want[r][q])
			}
		}
	})
}

func TestEnumerationAcrossPEs(t *testing.T) {
	want := map[int]map[string][]int64{
		0: {"ana": {1, 3}},
		1: {"a": {1, 3, 5}},
	}
	queries := map[int][]string{
		0: {"ana"},
		1: {"a"},
	}
	setup(t, func(r int, d *Dispatcher, strat reqengine.Strategy, pt *patricia.Trie) {
		local := batchOf(queries[r]...)
		got, err := d.Enumeration(context.Background(), local, strat, pt)
		if err != nil {
			t.Errorf("rank %d: Enumeration: %v", r, err)
			return
		}
		for i, q := range queries[r] {
			gotSorted := append([]int64(nil), got[i]...)
			sort.Slice(gotSorted, func(a, b int) bool { return gotSorted[a] < gotSorted[b] })
			wantSorted := want[r][q]
			if len(gotSorted) != len(wantSorted) {
				t.Errorf("rank %d: Enumeration(%q) = %v, want %v", r, q, gotSorted, wantSorted)
				continue
			}
			for k := range wantSorted {
				if gotSorted[k] != wantSorted[k] {
					t.Errorf("rank %d: Enumeration(%q) = %v, want %v", r, q, gotSorted, wantSorted)
					break
				}
			}
		}
	})
}
