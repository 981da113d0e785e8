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

// Package partition describes how a distributed one-dimensional array
// (text, SA, or LCP) is split across a fixed number of processing
// elements, and maps a global index to the PE that owns it.
package partition

import "fmt"

// Interval is a half-open range [Start, End) of global indices owned
// by a single PE.
type Interval struct {
	Start, End int64
}

// Len returns the number of elements in in.
func (in Interval) Len() int64 {
	if in.End <= in.Start {
		return 0
	}
	return in.End - in.Start
}

// Empty reports whether in contains no elements.
func (in Interval) Empty() bool {
	return in.Start >= in.End
}

// Contains reports whether g falls inside in.
func (in Interval) Contains(g int64) bool {
	return g >= in.Start && g < in.End
}

// Partition describes a length-n array split evenly across p PEs: PE r
// owns [r*sliceSize, (r+1)*sliceSize) for r < p-1, and the remainder
// (which may be larger than sliceSize) for r == p-1.
//
// This is the only splitting rule the core needs; it is used
// identically for the text array, the SA array, and the LCP array
// (the latter two parameterized over a wider GlobalIndex type at the
// call site, but the arithmetic here is always done in int64 per
// spec.md's "design notes" on variable-width indices).
type Partition struct {
	n, p      int64
	sliceSize int64
}

// New builds a Partition for an array of length n split across p PEs.
// It panics if n or p is non-positive, matching the teacher's
// convention of failing fast on construction-time misconfiguration
// rather than deferring to a runtime error on first use.
func New(n, p int) Partition {
	if n <= 0 {
		panic(fmt.Sprintf("partition: non-positive length %d", n))
	}
	if p <= 0 {
		panic(fmt.Sprintf("partition: non-positive PE count %d", p))
	}
	return Partition{n: int64(n), p: int64(p), sliceSize: int64(n) / int64(p)}
}

// Len returns the total length of the partitioned array.
func (pt Partition) Len() int64 { return pt.n }

// NumPEs returns the number of PEs the array is split across.
func (pt Partition) NumPEs() int { return int(pt.p) }

// SliceSize returns the nominal (non-final) per-PE slice size, i.e.
// n/p using integer division.
func (pt Partition) SliceSize() int64 { return pt.sliceSize }

// PE returns the PE owning global index g. The mapping is
// min(g/sliceSize, p-1), so the last PE absorbs any remainder past
// (p-1)*sliceSize.
func (pt Partition) PE(g int64) int {
	// p > n: sliceSize is 0, so every PE but the last owns zero
	// elements (see Bounds) and every g belongs to the last PE.
	if pt.sliceSize == 0 {
		return int(pt.p - 1)
	}
	r := g / pt.sliceSize
	if r >= pt.p-1 {
		return int(pt.p - 1)
	}
	return int(r)
}

// Local returns the local offset of g within the slice owned by
// pt.PE(g).
func (pt Partition) Local(g int64) int64 {
	r := pt.PE(g)
	return g - int64(r)*pt.sliceSize
}

// PEAndLocal is the combined form of PE and Local, avoiding a second
// pass over the owning-PE computation.
func (pt Partition) PEAndLocal(g int64) (pe int, local int64) {
	pe = pt.PE(g)
	local = g - int64(pe)*pt.sliceSize
	return pe, local
}

// Bounds returns the half-open global-index interval owned by pe.
func (pt Partition) Bounds(pe int) Interval {
	start := int64(pe) * pt.sliceSize
	end := start + pt.sliceSize
	if pe == int(pt.p)-1 {
		end = pt.n
	}
	return Interval{Start: start, End: end}
}

// LocalLen returns the number of elements owned by pe.
func (pt Partition) LocalLen(pe int) int64 {
	return pt.Bounds(pe).Len()
}

// Global translates a local offset on pe back to a global index.
func (pt Partition) Global(pe int, local int64) int64 {
	return int64(pe)*pt.sliceSize + local
}
