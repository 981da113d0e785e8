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
	"fmt"

	"github.com/kurpicz-labs/dpt/patricia"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/reqengine"
)

// queryStrings materializes every query in a batch as a [][]byte view,
// the shape patricia's batched methods and compacttrie.RouteBatch take.
func queryStrings(b *querybatch.Batch) [][]byte {
	out := make([][]byte, b.Size())
	for i := range out {
		out[i] = b.Query(i)
	}
	return out
}

// Existential answers, for each query in local (this PE's own batch),
// whether it occurs anywhere in the distributed text: route, forward
// to the owning PE(s), answer locally against pt, reverse-exchange,
// and OR together any duplicate answers produced by a boundary-
// spanning match.
func (d *Dispatcher) Existential(ctx context.Context, local *querybatch.Batch, strat reqengine.Strategy, pt *patricia.Trie) ([]bool, error) {
	plan, err := d.Forward(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("dispatch: existential: %w", err)
	}
	answers, err := pt.ExistentialBatched(ctx, strat, queryStrings(plan.Batch))
	if err != nil {
		return nil, fmt.Errorf("dispatch: existential: local answer: %w", err)
	}
	values := make([][]byte, len(answers))
	for i, ok := range answers {
		if ok {
			values[i] = []byte{1}
		} else {
			values[i] = []byte{0}
		}
	}
	merged, err := d.Reverse(ctx, plan.Origin, local.Size(), values, OR)
	if err != nil {
		return nil, fmt.Errorf("dispatch: existential: %w", err)
	}
	out := make([]bool, local.Size())
	for i, v := range merged {
		out[i] = v != nil && v[0] != 0
	}
	return out, nil
}

// Counting answers, for each query in local, the total number of
// occurrences across the whole distributed text.
func (d *Dispatcher) Counting(ctx context.Context, local *querybatch.Batch, strat reqengine.Strategy, pt *patricia.Trie) ([]int64, error) {
	plan, err := d.Forward(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("dispatch: counting: %w", err)
	}
	counts, err := pt.CountingBatched(ctx, strat, queryStrings(plan.Batch))
	if err != nil {
		return nil, fmt.Errorf("dispatch: counting: local answer: %w", err)
	}
	values := make([][]byte, len(counts))
	for i, c := range counts {
		values[i] = appendInt64(nil, c)
	}
	merged, err := d.Reverse(ctx, plan.Origin, local.Size(), values, Sum)
	if err != nil {
		return nil, fmt.Errorf("dispatch: counting: %w", err)
	}
	out := make([]int64, local.Size())
	for i, v := range merged {
		if v != nil {
			out[i] = int64(binary.LittleEndian.Uint64(v))
		}
	}
	return out, nil
}

// Enumeration answers, for each query in local, every global text
// position where it occurs, across the whole distributed text.
func (d *Dispatcher) Enumeration(ctx context.Context, local *querybatch.Batch, strat reqengine.Strategy, pt *patricia.Trie) ([][]int64, error) {
	plan, err := d.Forward(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("dispatch: enumeration: %w", err)
	}
	positions, err := pt.EnumerationBatched(ctx, strat, queryStrings(plan.Batch))
	if err != nil {
		return nil, fmt.Errorf("dispatch: enumeration: local answer: %w", err)
	}
	values := make([][]byte, len(positions))
	for i, ps := range positions {
		var buf []byte
		for _, p := range ps {
			buf = appendInt64(buf, p)
		}
		values[i] = buf
	}
	merged, err := d.Reverse(ctx, plan.Origin, local.Size(), values, Concat)
	if err != nil {
		return nil, fmt.Errorf("dispatch: enumeration: %w", err)
	}
	out := make([][]int64, local.Size())
	for i, v := range merged {
		out[i] = decodeInt64s(v)
	}
	return out, nil
}
