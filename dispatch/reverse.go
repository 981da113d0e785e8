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
)

// Reverse sends one answer per received query (values[i], for
// plan.Origin[i]) back to its originating PE, keyed by its original
// local index, and merges every answer that lands on the same index
// via combine -- this is how a query whose match spanned several PEs
// (so Forward duplicated it) ends up with a single result: sum for
// counting, logical OR for existential, concatenation for enumeration.
//
// localBatchSize is the size of the batch this PE itself called
// Forward with; the returned slice has that length, with nil at any
// index whose query never routed to a PE at all (NoMatch).
func (d *Dispatcher) Reverse(ctx context.Context, origin []Origin, localBatchSize int, values [][]byte, combine func(acc, v []byte) []byte) ([][]byte, error) {
	if len(values) != len(origin) {
		return nil, fmt.Errorf("dispatch: reverse: %d values for %d origins", len(values), len(origin))
	}
	p := d.tr.Size()

	sendIdx := make([][]byte, p)
	sendValLen := make([][]byte, p)
	sendVal := make([][]byte, p)
	for i, o := range origin {
		sendIdx[o.SrcPE] = appendInt64(sendIdx[o.SrcPE], int64(o.SrcIdx))
		sendValLen[o.SrcPE] = appendInt64(sendValLen[o.SrcPE], int64(len(values[i])))
		sendVal[o.SrcPE] = append(sendVal[o.SrcPE], values[i]...)
	}

	recvIdx, err := d.tr.AllToAllV(ctx, sendIdx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reverse indices: %w", err)
	}
	recvValLen, err := d.tr.AllToAllV(ctx, sendValLen)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reverse value lengths: %w", err)
	}
	recvVal, err := d.tr.AllToAllV(ctx, sendVal)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reverse values: %w", err)
	}

	out := make([][]byte, localBatchSize)
	for s := 0; s < p; s++ {
		idxs := decodeInt64s(recvIdx[s])
		lens := decodeInt64s(recvValLen[s])
		buf := recvVal[s]
		cursor := 0
		for k, idx := range idxs {
			l := int(lens[k])
			v := buf[cursor : cursor+l]
			cursor += l
			if out[idx] == nil {
				out[idx] = v
			} else {
				out[idx] = combine(out[idx], v)
			}
		}
	}
	return out, nil
}

// OR combines two one-byte boolean answers (non-zero meaning true),
// as needed when an existential query's match spanned two PEs.
func OR(acc, v []byte) []byte {
	if acc[0] != 0 || v[0] != 0 {
		return []byte{1}
	}
	return []byte{0}
}

// Sum combines two little-endian int64 counts, as needed when a
// counting query's match spanned two PEs.
func Sum(acc, v []byte) []byte {
	a := int64(binary.LittleEndian.Uint64(acc))
	b := int64(binary.LittleEndian.Uint64(v))
	return appendInt64(nil, a+b)
}

// Concat combines two enumeration answers (each a concatenation of
// little-endian int64 positions) by appending v after acc, as needed
// when an enumeration query's match spanned two PEs.
func Concat(acc, v []byte) []byte {
	out := make([]byte, 0, len(acc)+len(v))
	out = append(out, acc...)
	out = append(out, v...)
	return out
}
