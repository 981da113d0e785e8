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

// Package patricia builds and queries the per-PE Patricia trie over a
// local slice of the suffix array (SA) and LCP array: a blind-search
// index truncated to the first maxLCP characters of common prefixes,
// with the full suffix read back from text only to verify a
// candidate. Node layout follows the flat array plus byte-indexed
// child dispatch convention of a radix trie (the same shape a
// byte-indexed IP-prefix trie uses for its child slots), adapted here
// from fixed-width prefix bytes to suffix-array branching bytes.
package patricia

import (
	"context"
	"fmt"

	"github.com/kurpicz-labs/dpt/reqengine"
)

// node is one entry in the trie's flat, postorder-grouped node array.
// A node is either a leaf (referencing one suffix by its local SA-array
// index) or an internal node (a CSR slice into labels/children,
// indexed by out-degree children ordered by branching byte ascending,
// since suffix-array order is already lexicographic).
type node struct {
	depth     int64 // string depth: common-prefix length shared by this subtree, capped at maxLCP
	leaf      bool
	saIdx     int64 // local SA-array index of the suffix this leaf names (leaf only)
	edgeBegin int32 // offset into labels[]/children[] (internal only)
	outDegree int32 // number of children (internal only)
	leftIdx   int64 // local SA-array index of the subtree's leftmost leaf
	rightIdx  int64 // local SA-array index of the subtree's rightmost leaf
}

// Trie is one PE's local Patricia trie: construction consumes this
// PE's slice of SA and LCP, plus a reqengine.Strategy used to resolve
// branching-byte labels (at construction) and verifying substrings
// (at query time).
type Trie struct {
	nodes    []node
	labels   []byte  // CSR, one branching byte per child edge
	children []int32 // CSR, one node-array index per child edge
	root     int32
	maxLCP   int64

	sa  []int64 // this PE's local SA slice (suffix-array values, i.e. text offsets)
	lcp []int64 // this PE's local LCP slice, aligned with sa (lcp[0] is the cross-boundary value)

	globalN int64 // total length of the whole distributed text, for clamping verify reads at its end

	// GlobalSAAndLCP is the boundary pair this PE contributes to the
	// 2p-entry synthetic array gathered for GlobalCompactTrie
	// construction (spec "global_sa"/"global_lcp").
	GlobalSA  [2]int64 // {first SA value seen, last SA value seen}
	GlobalLCP [2]int64 // {first LCP value seen (cross-boundary), minimum interior LCP}
}

// childRef is a child accumulated under an open stack frame during
// construction, before it has been written into the trie's CSR
// buffers.
type childRef struct {
	leaf     bool
	saIdx    int64 // valid if leaf
	nodeIdx  int32 // valid if internal
	leftIdx  int64
	rightIdx int64
}

// frame is one open (not yet finalized) internal node on the
// construction stack.
type frame struct {
	depth    int64
	children []childRef
}

// Build constructs a Trie from this PE's local sa/lcp slices, capping
// every node's string depth at maxLCP (the deliberate blind-search
// truncation: deeper common-prefix distinctions are resolved by
// Verify's full-substring read, not stored in the trie). It issues
// exactly one batched RequestCharacters call against strat to resolve
// every branching byte discovered during the sweep. globalN is the
// total length of the whole distributed text (not just this PE's
// shard), used to clamp a verify read that would otherwise run past
// the text's true end.
func Build(ctx context.Context, strat reqengine.Strategy, sa, lcp []int64, maxLCP, globalN int64) (*Trie, error) {
	if len(sa) == 0 {
		return nil, fmt.Errorf("patricia: empty local SA slice")
	}
	if len(sa) != len(lcp) {
		return nil, fmt.Errorf("patricia: sa has %d entries, lcp has %d", len(sa), len(lcp))
	}

	t := &Trie{maxLCP: maxLCP, sa: sa, lcp: lcp, globalN: globalN}
	var requestPos []int64 // text positions whose byte will become labels[len(requestPos)]

	// finalize moves an open frame's accumulated children into the
	// CSR buffers, recording one pending character request per child
	// (the byte immediately after the shared prefix of that child's
	// leftmost leaf), and returns the node-array index of the new
	// internal node.
	finalize := func(f frame) int32 {
		n := node{
			depth:     f.depth,
			edgeBegin: int32(len(requestPos)),
			outDegree: int32(len(f.children)),
			leftIdx:   f.children[0].leftIdx,
			rightIdx:  f.children[len(f.children)-1].rightIdx,
		}
		for _, c := range f.children {
			leafSA := sa[c.leftIdx]
			requestPos = append(requestPos, leafSA+f.depth)
			t.children = append(t.children, 0) // placeholder, filled below
		}
		idx := int32(len(t.nodes))
		t.nodes = append(t.nodes, n)
		base := int(n.edgeBegin)
		for i, c := range f.children {
			if c.leaf {
				leaf := node{leaf: true, saIdx: c.saIdx, leftIdx: c.saIdx, rightIdx: c.saIdx}
				ci := int32(len(t.nodes))
				t.nodes = append(t.nodes, leaf)
				t.children[base+i] = ci
			} else {
				t.children[base+i] = c.nodeIdx
			}
		}
		return idx
	}

	leaf := func(saIdx int64) childRef {
		return childRef{leaf: true, saIdx: saIdx, leftIdx: saIdx, rightIdx: saIdx}
	}
	internal := func(nodeIdx int32, left, right int64) childRef {
		return childRef{leaf: false, nodeIdx: nodeIdx, leftIdx: left, rightIdx: right}
	}

	stack := []frame{{depth: 0}}
	stack[0].children = append(stack[0].children, leaf(0))

	minInterior := int64(-1)
	for i := 1; i < len(sa); i++ {
		depth := lcp[i]
		if depth > maxLCP {
			depth = maxLCP
		}
		if minInterior < 0 || lcp[i] < minInterior {
			minInterior = lcp[i]
		}

		for len(stack) > 1 && stack[len(stack)-1].depth > depth {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			idx := finalize(f)
			top := &stack[len(stack)-1]
			top.children = append(top.children, internal(idx, t.nodes[idx].leftIdx, t.nodes[idx].rightIdx))
		}

		top := &stack[len(stack)-1]
		switch {
		case top.depth == depth:
			top.children = append(top.children, leaf(int64(i)))
		default: // top.depth < depth: strictly deeper branch
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
		top.children = append(top.children, internal(idx, t.nodes[idx].leftIdx, t.nodes[idx].rightIdx))
	}
	t.root = finalize(stack[0])

	if minInterior < 0 {
		minInterior = 0
	}
	t.GlobalSA = [2]int64{sa[0], sa[len(sa)-1]}
	t.GlobalLCP = [2]int64{lcp[0], minInterior}

	if len(requestPos) > 0 {
		labels, err := strat.RequestCharacters(ctx, requestPos)
		if err != nil {
			return nil, fmt.Errorf("patricia: resolving branching labels: %w", err)
		}
		t.labels = labels
	}
	return t, nil
}
