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

// Package reqengine answers batched requests for characters and
// substrings of the distributed text array, via two interchangeable
// strategies: Collective (histogram, alltoallv, gather, alltoallv
// back) and OneSided (fence-bounded random reads against a
// transport.Window). Both strategies implement the Strategy
// interface and must return byte-identical results for the same
// inputs (spec.md section 8, "strategy equivalence").
package reqengine

import (
	"context"
	"fmt"

	"github.com/kurpicz-labs/dpt/partition"
)

// Strategy is the capability trait spec.md section 9 recommends in
// place of the reference's template-over-communication-strategy: a
// dpt.Facade is constructed with one concrete Strategy and uses it for
// every text lookup during trie construction and query verification.
type Strategy interface {
	// RequestCharacters returns one byte per position, T[positions[i]],
	// in the same order as positions.
	RequestCharacters(ctx context.Context, positions []int64) ([]byte, error)

	// RequestSubstrings returns, for each i, T[positions[i] :
	// positions[i]+lengths[i]), in the same order as positions.
	RequestSubstrings(ctx context.Context, positions []int64, lengths []int64) ([][]byte, error)

	// RequestSubstringsHead is like RequestSubstrings, but splits each
	// result into its first byte (returned densely in heads) and its
	// remaining lengths[i]-1 bytes (appended to tails, in original
	// request order). lengths[i] must be >= 1 for every i.
	RequestSubstringsHead(ctx context.Context, positions []int64, lengths []int64) (heads []byte, tails []byte, err error)
}

// route buckets positions by owning PE, recording for every PE r the
// original request indices destined for it (in encounter order) and
// the corresponding local offsets. This is shared by every Strategy
// and every operation: it is exactly the "histogram positions by
// owning PE; normalize to local offsets" step of spec.md section 4.3.
func route(pt partition.Partition, positions []int64) (idxByPE [][]int, localOffsets [][]int64) {
	p := pt.NumPEs()
	idxByPE = make([][]int, p)
	localOffsets = make([][]int64, p)
	for i, g := range positions {
		r, local := pt.PEAndLocal(g)
		idxByPE[r] = append(idxByPE[r], i)
		localOffsets[r] = append(localOffsets[r], local)
	}
	return idxByPE, localOffsets
}

func checkLengths(positions, lengths []int64) error {
	if len(positions) != len(lengths) {
		return fmt.Errorf("reqengine: %d positions but %d lengths", len(positions), len(lengths))
	}
	return nil
}

var (
	_ Strategy = (*Collective)(nil)
	_ Strategy = (*OneSided)(nil)
)
