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

// Package compacttrie builds and routes against the global compact
// trie: a single, cluster-wide trie over the 2p boundary SA/LCP pairs
// gathered from every PE's local patricia.Trie, used to decide which
// PE (or pair of PEs) owns a query's answer before any per-PE work
// happens. Unlike the per-PE trie in package patricia, edges here
// store full (truncated) labels rather than a single branching byte,
// since routing must be correct without a later verification pass --
// there is no "ask the owning PE to double check" step once a query
// has been dispatched.
package compacttrie

import (
	"context"
	"fmt"

	"github.com/kurpicz-labs/dpt/reqengine"
)

// node mirrors patricia's node shape, generalized to carry a true
// (uncapped) string depth and, for internal nodes, a leaf-index range
// instead of an SA-array-index range -- this trie's leaves are the 2p
// PE boundary positions, not individual suffixes.
type node struct {
	depth     int64
	leaf      bool
	leafIdx   int64 // valid if leaf: index in [0, 2p) into the boundary array
	edgeBegin int32 // valid if internal
	outDegree int32
	leftLeaf  int64 // leaf-index of subtree's leftmost leaf
	rightLeaf int64 // leaf-index of subtree's rightmost leaf
}

// Trie is the global compact trie built once, after construction, from
// every PE's local boundary pair.
type Trie struct {
	nodes  []node
	root   int32
	numPEs int

	firstChars []byte  // CSR, one byte per edge: the edge's first label byte
	edgeLens   []int32 // CSR, one truncated label length per edge (always >= 1)
	tails      []byte  // concatenation of every edge's remaining (edgeLen-1) bytes
	tailStart  []int32 // CSR prefix-sum offsets into tails, len == len(edgeLens)+1

	children []int32 // CSR, one node-array index per edge
}

// boundary is one of the 2p entries of the synthetic SA/LCP sequence
// gathered via allgather from every PE's patricia.Trie.GlobalSA /
// GlobalLCP, in PE-rank order: entry 2*r is PE r's left boundary,
// entry 2*r+1 is PE r's right boundary.
type boundary struct {
	sa  int64
	lcp int64 // common-prefix length shared with the previous boundary entry; lcp[0] is unused (0)
}

// childRef is a child accumulated under an open construction frame,
// mirroring patricia's childRef but carrying the child's own depth (so
// Build can compute each edge's true, pre-truncation length when the
// frame that owns it is finalized).
type childRef struct {
	leaf      bool
	leafIdx   int64
	nodeIdx   int32
	depth     int64 // child's own string depth (0 sentinel for leaves; computed lazily)
	leftLeaf  int64
	rightLeaf int64
}

type frame struct {
	depth    int64
	children []childRef
}

// Build constructs the global compact trie from the 2p gathered
// boundary pairs. maxQueryLength caps every edge's stored label length
// (queries are never longer, so no edge needs more); textLen is the
// total length of the distributed text array, used to avoid reading
// past its end when resolving a leaf edge's label.
func Build(ctx context.Context, strat reqengine.Strategy, globalSA, globalLCP [][2]int64, maxQueryLength, textLen int64) (*Trie, error) {
	p := len(globalSA)
	if p == 0 {
		return nil, fmt.Errorf("compacttrie: no boundary pairs")
	}
	// globalLCP[r][1] ("min_interior_LCP") is the LCP between PE r's own
	// first and last suffix -- the minimum of an LCP range equals the
	// LCP between its endpoints, so it is exactly the synthetic lcp
	// value between bounds[2r] and bounds[2r+1]. globalLCP[r][0]
	// ("first_LCP_seen") is the true cross-PE-boundary LCP PE r read
	// off its own input lcp[0], so it is exactly the synthetic lcp
	// value between bounds[2r-1] and bounds[2r].
	bounds := make([]boundary, 2*p)
	bounds[0] = boundary{sa: globalSA[0][0], lcp: 0}
	for r := 0; r < p; r++ {
		bounds[2*r+1] = boundary{sa: globalSA[r][1], lcp: globalLCP[r][1]}
		if r+1 < p {
			bounds[2*r+2] = boundary{sa: globalSA[r+1][0], lcp: globalLCP[r+1][0]}
		}
	}

	t := &Trie{numPEs: p}
	type pendingEdge struct {
		textPos int64
		length  int64
	}
	var pending []pendingEdge

	finalize := func(f frame) int32 {
		n := node{
			depth:     f.depth,
			edgeBegin: int32(len(pending)),
			outDegree: int32(len(f.children)),
			leftLeaf:  leftOf(f.children[0]),
			rightLeaf: rightOf(f.children[len(f.children)-1]),
		}
		base := len(pending)
		for range f.children {
			t.children = append(t.children, 0)
			t.edgeLens = append(t.edgeLens, 0)
		}
		idx := int32(len(t.nodes))
		t.nodes = append(t.nodes, n)
		for i, c := range f.children {
			var childNodeIdx int32
			var start, trueLen int64
			if c.leaf {
				leaf := node{leaf: true, leafIdx: c.leafIdx, leftLeaf: c.leafIdx, rightLeaf: c.leafIdx}
				childNodeIdx = int32(len(t.nodes))
				t.nodes = append(t.nodes, leaf)
				start = bounds[c.leafIdx].sa + f.depth
				trueLen = textLen - start // a leaf has no further branching depth; read up to the text's end
			} else {
				childNodeIdx = c.nodeIdx
				start = bounds[leftmostBoundary(t, c.nodeIdx)].sa + f.depth
				trueLen = c.depth - f.depth
			}
			length := trueLen
			if length > maxQueryLength {
				length = maxQueryLength
			}
			if length < 1 {
				length = 1
			}
			t.children[base+i] = childNodeIdx
			t.edgeLens[base+i] = int32(length)
			pending = append(pending, pendingEdge{textPos: start, length: length})
		}
		return idx
	}

	leaf := func(i int64) childRef {
		return childRef{leaf: true, leafIdx: i, leftLeaf: i, rightLeaf: i}
	}
	internal := func(nodeIdx int32, depth, left, right int64) childRef {
		return childRef{leaf: false, nodeIdx: nodeIdx, depth: depth, leftLeaf: left, rightLeaf: right}
	}

	stack := []frame{{depth: 0}}
	stack[0].children = append(stack[0].children, leaf(0))

	for i := 1; i < len(bounds); i++ {
		depth := bounds[i].lcp

		for len(stack) > 1 && stack[len(stack)-1].depth > depth {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			idx := finalize(f)
			top := &stack[len(stack)-1]
			top.children = append(top.children, internal(idx, f.depth, t.nodes[idx].leftLeaf, t.nodes[idx].rightLeaf))
		}

		top := &stack[len(stack)-1]
		switch {
		case top.depth == depth:
			top.children = append(top.children, leaf(int64(i)))
		default:
			last := top.children[len(top.children)-1]
			top.children = top.children[:len(top.children)-1]
			stack = append(stack, frame{depth: depth, children: []childRef{last, leaf(int64(i))}})
		}
	}

	for len(stack) > 1 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx := finalize(f)
		top := &stack[len(stack)-1]
		top.children = append(top.children, internal(idx, f.depth, t.nodes[idx].leftLeaf, t.nodes[idx].rightLeaf))
	}
	t.root = finalize(stack[0])

	if len(pending) > 0 {
		positions := make([]int64, len(pending))
		lengths := make([]int64, len(pending))
		for i, pe := range pending {
			positions[i] = pe.textPos
			lengths[i] = pe.length
		}
		heads, tails, err := strat.RequestSubstringsHead(ctx, positions, lengths)
		if err != nil {
			return nil, fmt.Errorf("compacttrie: resolving edge labels: %w", err)
		}
		t.firstChars = heads
		t.tails = tails
		t.tailStart = make([]int32, len(lengths)+1)
		var off int32
		for i, l := range lengths {
			t.tailStart[i] = off
			off += int32(l - 1)
		}
		t.tailStart[len(lengths)] = off
	}
	return t, nil
}

func leftOf(c childRef) int64  { return c.leftLeaf }
func rightOf(c childRef) int64 { return c.rightLeaf }

// leftmostBoundary returns the leaf index of the leftmost leaf in the
// subtree rooted at node nodeIdx, used while an internal child's
// starting text position is being resolved during finalize.
func leftmostBoundary(t *Trie, nodeIdx int32) int64 {
	return t.nodes[nodeIdx].leftLeaf
}

// edgeLabel returns edge k's first byte and its remaining bytes.
func (t *Trie) edgeLabel(k int32) (first byte, rest []byte, length int32) {
	length = t.edgeLens[k]
	return t.firstChars[k], t.tails[t.tailStart[k]:t.tailStart[k+1]], length
}
