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

package reqengine

import (
	"context"
	"fmt"

	"github.com/kurpicz-labs/dpt/partition"
	"github.com/kurpicz-labs/dpt/transport"
)

// ReqRoundSize bounds the number of one-sided Get requests issued in a
// single fence-bounded round, per spec.md section 5's batching
// discipline. A round this size keeps any one PE's pending-request
// list (and the peer's response buffer) within a bounded working set
// regardless of how large a query batch gets.
const ReqRoundSize = 131072

// OneSided answers requests with direct remote reads against a
// transport.Window opened over the distributed text array, round-robin
// in chunks of ReqRoundSize positions, terminated by an AllReduceAnd
// over "this PE has no more chunks" so that PEs with differing numbers
// of requests (skew is permitted, per spec.md section 5) still
// converge on a shared number of collective rounds.
type OneSided struct {
	tr  transport.Transport
	pt  partition.Partition
	win transport.Window
}

// NewOneSided opens a window named "text" over local (this PE's slice
// of the distributed text array) and returns a ready-to-use OneSided
// strategy. The caller owns the returned strategy's lifetime and must
// not call Close on the underlying window directly; see Close.
func NewOneSided(ctx context.Context, tr transport.Transport, pt partition.Partition, local []byte) (*OneSided, error) {
	win, err := tr.OpenWindow(ctx, "text", local)
	if err != nil {
		return nil, fmt.Errorf("reqengine: opening text window: %w", err)
	}
	return &OneSided{tr: tr, pt: pt, win: win}, nil
}

// Close releases the underlying window. Every PE that built a
// OneSided strategy must call Close exactly once.
func (o *OneSided) Close() error {
	return o.win.Close()
}

// roundedGet runs build(lo, hi) -> []transport.GetRequest for
// successive chunks of at most ReqRoundSize positions (lo/hi index
// into n), invoking fn with each chunk's results, until every PE in
// the group has exhausted its own chunks.
func (o *OneSided) roundedGet(ctx context.Context, n int, build func(lo, hi int) []transport.GetRequest, fn func(lo, hi int, got [][]byte)) error {
	lo := 0
	for {
		hi := lo + ReqRoundSize
		if hi > n {
			hi = n
		}
		localDone := lo >= n
		if !localDone {
			reqs := build(lo, hi)
			got, err := o.win.GetBatch(ctx, reqs)
			if err != nil {
				return fmt.Errorf("reqengine: one-sided round [%d,%d): %w", lo, hi, err)
			}
			fn(lo, hi, got)
			lo = hi
		}
		allDone, err := o.tr.AllReduceAnd(ctx, localDone)
		if err != nil {
			return fmt.Errorf("reqengine: one-sided round termination: %w", err)
		}
		if allDone {
			return nil
		}
	}
}

func (o *OneSided) RequestCharacters(ctx context.Context, positions []int64) ([]byte, error) {
	out := make([]byte, len(positions))
	err := o.roundedGet(ctx, len(positions),
		func(lo, hi int) []transport.GetRequest {
			reqs := make([]transport.GetRequest, hi-lo)
			for i := lo; i < hi; i++ {
				pe, local := o.pt.PEAndLocal(positions[i])
				reqs[i-lo] = transport.GetRequest{Target: pe, LocalOffset: local, Length: 1}
			}
			return reqs
		},
		func(lo, hi int, got [][]byte) {
			for i := lo; i < hi; i++ {
				out[i] = got[i-lo][0]
			}
		},
	)
	return out, err
}

func (o *OneSided) RequestSubstrings(ctx context.Context, positions []int64, lengths []int64) ([][]byte, error) {
	if err := checkLengths(positions, lengths); err != nil {
		return nil, err
	}
	out := make([][]byte, len(positions))
	err := o.roundedGet(ctx, len(positions),
		func(lo, hi int) []transport.GetRequest {
			reqs := make([]transport.GetRequest, hi-lo)
			for i := lo; i < hi; i++ {
				pe, local := o.pt.PEAndLocal(positions[i])
				reqs[i-lo] = transport.GetRequest{Target: pe, LocalOffset: local, Length: lengths[i]}
			}
			return reqs
		},
		func(lo, hi int, got [][]byte) {
			for i := lo; i < hi; i++ {
				out[i] = got[i-lo]
			}
		},
	)
	return out, err
}

func (o *OneSided) RequestSubstringsHead(ctx context.Context, positions []int64, lengths []int64) ([]byte, []byte, error) {
	if err := checkLengths(positions, lengths); err != nil {
		return nil, nil, err
	}
	heads := make([]byte, len(positions))
	tailOffset := make([]int64, len(positions))
	var totalTail int64
	for i, l := range lengths {
		tailOffset[i] = totalTail
		totalTail += l - 1
	}
	tails := make([]byte, totalTail)

	err := o.roundedGet(ctx, len(positions),
		func(lo, hi int) []transport.GetRequest {
			reqs := make([]transport.GetRequest, hi-lo)
			for i := lo; i < hi; i++ {
				pe, local := o.pt.PEAndLocal(positions[i])
				reqs[i-lo] = transport.GetRequest{Target: pe, LocalOffset: local, Length: lengths[i]}
			}
			return reqs
		},
		func(lo, hi int, got [][]byte) {
			for i := lo; i < hi; i++ {
				block := got[i-lo]
				heads[i] = block[0]
				copy(tails[tailOffset[i]:], block[1:])
			}
		},
	)
	return heads, tails, err
}
