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

// Package querybatch holds a packed, immutable batch of variable-length
// byte-string queries: one flat byte arena plus a prefix-sum offset
// table, the same flat-arena-plus-offsets idiom the teacher uses for
// its ion symbol tables and row batches.
package querybatch

import (
	"bytes"
	"fmt"
)

// Batch is a packed container of variable-length byte strings. It is
// immutable once constructed and supports O(1) indexed access.
type Batch struct {
	bytes  []byte
	starts []int32 // len() == size()+1, starts[0] == 0
}

// New builds a Batch from precomputed (bytes, lengths): query i is
// bytes[off_i : off_i+lengths[i]), where off_i is the running sum of
// the lengths before it.
func New(data []byte, lengths []int) (*Batch, error) {
	starts := make([]int32, len(lengths)+1)
	off := 0
	for i, l := range lengths {
		if l < 0 {
			return nil, fmt.Errorf("querybatch: negative length at index %d", i)
		}
		starts[i] = int32(off)
		off += l
	}
	starts[len(lengths)] = int32(off)
	if off != len(data) {
		return nil, fmt.Errorf("querybatch: lengths sum to %d, data is %d bytes", off, len(data))
	}
	return &Batch{bytes: data, starts: starts}, nil
}

// Split builds a Batch by splitting data on sep, truncating any
// resulting query to at most maxLen bytes. A trailing empty field
// after the final separator is dropped, matching the usual semantics
// of splitting a newline-terminated file.
func Split(data []byte, sep byte, maxLen int) *Batch {
	fields := bytes.Split(data, []byte{sep})
	if n := len(fields); n > 0 && len(fields[n-1]) == 0 {
		fields = fields[:n-1]
	}
	starts := make([]int32, len(fields)+1)
	var out []byte
	off := 0
	for i, f := range fields {
		if maxLen >= 0 && len(f) > maxLen {
			f = f[:maxLen]
		}
		starts[i] = int32(off)
		out = append(out, f...)
		off += len(f)
	}
	starts[len(fields)] = int32(off)
	return &Batch{bytes: out, starts: starts}
}

// Size returns the number of queries in the batch.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.starts) - 1
}

// Query returns the i'th query as a byte slice view into the batch's
// internal arena; callers must not mutate it.
func (b *Batch) Query(i int) []byte {
	return b.bytes[b.starts[i]:b.starts[i+1]]
}

// Len returns the length in bytes of the i'th query.
func (b *Batch) Len(i int) int {
	return int(b.starts[i+1] - b.starts[i])
}

// Bytes returns the batch's underlying concatenated byte arena.
func (b *Batch) Bytes() []byte { return b.bytes }

// Lengths returns the per-query lengths as a fresh slice.
func (b *Batch) Lengths() []int {
	out := make([]int, b.Size())
	for i := range out {
		out[i] = b.Len(i)
	}
	return out
}

// Visit calls fn once per query, in order, with a view into the
// batch's arena. This is the Batch's forward-iteration form.
func (b *Batch) Visit(fn func(i int, query []byte)) {
	for i := 0; i < b.Size(); i++ {
		fn(i, b.Query(i))
	}
}
