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

package patricia

import (
	"bytes"
	"context"

	"github.com/kurpicz-labs/dpt/reqengine"
)

// candidate is the outcome of blind-searching one query: either
// rejected outright (a branching byte mismatch was found during
// descent) or accepted with the subtree of SA-array indices
// [leftIdx, rightIdx] that must still be verified against the text.
type candidate struct {
	ok       bool
	leftIdx  int64
	rightIdx int64
}

// blindSearch walks q from the root exactly as spec.md section 4.5
// describes: linear scan over sorted sibling labels at each branching
// node, stopping at a leaf or once the node's string depth reaches
// len(q). The result is never a final answer by itself -- it can
// accept patterns that differ at a non-branching character, which is
// why every accepted candidate is still run through Verify.
func (t *Trie) blindSearch(q []byte) candidate {
	v := t.root
	for {
		n := &t.nodes[v]
		if n.leaf || n.depth >= int64(len(q)) {
			return candidate{ok: true, leftIdx: n.leftIdx, rightIdx: n.rightIdx}
		}
		qByte := q[n.depth]
		lo, hi := int(n.edgeBegin), int(n.edgeBegin)+int(n.outDegree)
		found := -1
		for k := lo; k < hi; k++ {
			if t.labels[k] == qByte {
				found = k
				break
			}
			if t.labels[k] > qByte {
				break
			}
		}
		if found < 0 {
			return candidate{ok: false}
		}
		v = t.children[found]
	}
}

// blindSearchBatch runs blindSearch over every query in the batch.
func (t *Trie) blindSearchBatch(queries [][]byte) []candidate {
	out := make([]candidate, len(queries))
	for i, q := range queries {
		out[i] = t.blindSearch(q)
	}
	return out
}

// verify issues one batched RequestSubstrings call covering every
// accepted candidate's leftmost-leaf suffix, truncated to the query's
// own length, and reports which candidates' suffixes actually equal
// their query byte-for-byte.
func (t *Trie) verify(ctx context.Context, strat reqengine.Strategy, queries [][]byte, cands []candidate) ([]bool, error) {
	var idx []int
	var positions, lengths []int64
	for i, c := range cands {
		if !c.ok {
			continue
		}
		pos := t.sa[c.leftIdx]
		l := int64(len(queries[i]))
		if remaining := t.globalN - pos; l > remaining {
			l = remaining
		}
		idx = append(idx, i)
		positions = append(positions, pos)
		lengths = append(lengths, l)
	}
	matched := make([]bool, len(cands))
	if len(idx) == 0 {
		return matched, nil
	}
	subs, err := strat.RequestSubstrings(ctx, positions, lengths)
	if err != nil {
		return nil, err
	}
	for k, i := range idx {
		matched[i] = bytes.Equal(subs[k], queries[i])
	}
	return matched, nil
}

// ExistentialBatched reports, for each query, whether it occurs
// anywhere in the distributed text's PE-local slice of suffixes.
func (t *Trie) ExistentialBatched(ctx context.Context, strat reqengine.Strategy, queries [][]byte) ([]bool, error) {
	cands := t.blindSearchBatch(queries)
	return t.verify(ctx, strat, queries, cands)
}

// CountingBatched reports, for each query, the number of suffixes in
// this PE's local SA slice that begin with it.
func (t *Trie) CountingBatched(ctx context.Context, strat reqengine.Strategy, queries [][]byte) ([]int64, error) {
	cands := t.blindSearchBatch(queries)
	matched, err := t.verify(ctx, strat, queries, cands)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(queries))
	for i, c := range cands {
		if c.ok && matched[i] {
			out[i] = c.rightIdx - c.leftIdx + 1
		}
	}
	return out, nil
}

// EnumerationBatched reports, for each query, the global text
// positions (SA values) of every occurrence in this PE's local SA
// slice, in SA order.
func (t *Trie) EnumerationBatched(ctx context.Context, strat reqengine.Strategy, queries [][]byte) ([][]int64, error) {
	cands := t.blindSearchBatch(queries)
	matched, err := t.verify(ctx, strat, queries, cands)
	if err != nil {
		return nil, err
	}
	out := make([][]int64, len(queries))
	for i, c := range cands {
		if !c.ok || !matched[i] {
			continue
		}
		positions := make([]int64, c.rightIdx-c.leftIdx+1)
		copy(positions, t.sa[c.leftIdx:c.rightIdx+1])
		out[i] = positions
	}
	return out, nil
}
