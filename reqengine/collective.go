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
	"encoding/binary"
	"fmt"

	"github.com/kurpicz-labs/dpt/partition"
	"github.com/kurpicz-labs/dpt/transport"
)

// Collective answers requests by histogramming positions by owning
// PE, shipping the (compact) requests with one AllToAllV, answering
// locally, and shipping the answers back with a second AllToAllV. This
// is the strategy spec.md section 4.3 describes as the default: every
// PE always participates in both rounds, even if it has zero requests
// of its own, since AllToAllV is a synchronization point for the whole
// group regardless of how much data any one PE contributes.
type Collective struct {
	tr   transport.Transport
	pt   partition.Partition
	text []byte // this PE's local slice of the distributed text array
}

// NewCollective builds a Collective strategy over tr, with pt
// describing how the text array is split and text holding this PE's
// own slice of it.
func NewCollective(tr transport.Transport, pt partition.Partition, text []byte) *Collective {
	return &Collective{tr: tr, pt: pt, text: text}
}

const (
	offsetRecordSize = 8  // one int64 local offset
	spanRecordSize   = 16 // one (int64 offset, int64 length) pair
)

func encodeOffsets(offs []int64) []byte {
	buf := make([]byte, len(offs)*offsetRecordSize)
	for i, o := range offs {
		binary.LittleEndian.PutUint64(buf[i*offsetRecordSize:], uint64(o))
	}
	return buf
}

func decodeOffsets(buf []byte) []int64 {
	n := len(buf) / offsetRecordSize
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[i*offsetRecordSize:]))
	}
	return out
}

func encodeSpans(offs, lens []int64) []byte {
	buf := make([]byte, len(offs)*spanRecordSize)
	for i := range offs {
		binary.LittleEndian.PutUint64(buf[i*spanRecordSize:], uint64(offs[i]))
		binary.LittleEndian.PutUint64(buf[i*spanRecordSize+8:], uint64(lens[i]))
	}
	return buf
}

func decodeSpans(buf []byte) (offs, lens []int64) {
	n := len(buf) / spanRecordSize
	offs = make([]int64, n)
	lens = make([]int64, n)
	for i := 0; i < n; i++ {
		offs[i] = int64(binary.LittleEndian.Uint64(buf[i*spanRecordSize:]))
		lens[i] = int64(binary.LittleEndian.Uint64(buf[i*spanRecordSize+8:]))
	}
	return offs, lens
}

func (c *Collective) RequestCharacters(ctx context.Context, positions []int64) ([]byte, error) {
	idxByPE, localOffsets := route(c.pt, positions)
	p := c.pt.NumPEs()

	send := make([][]byte, p)
	for r := 0; r < p; r++ {
		send[r] = encodeOffsets(localOffsets[r])
	}
	reqRecv, err := c.tr.AllToAllV(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("reqengine: request_characters dispatch: %w", err)
	}

	resp := make([][]byte, p)
	for r := 0; r < p; r++ {
		offs := decodeOffsets(reqRecv[r])
		buf := make([]byte, len(offs))
		for i, off := range offs {
			buf[i] = c.text[off]
		}
		resp[r] = buf
	}
	respRecv, err := c.tr.AllToAllV(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("reqengine: request_characters gather: %w", err)
	}

	out := make([]byte, len(positions))
	for r := 0; r < p; r++ {
		for k, idx := range idxByPE[r] {
			out[idx] = respRecv[r][k]
		}
	}
	return out, nil
}

func (c *Collective) RequestSubstrings(ctx context.Context, positions []int64, lengths []int64) ([][]byte, error) {
	if err := checkLengths(positions, lengths); err != nil {
		return nil, err
	}
	idxByPE, localOffsets := route(c.pt, positions)
	p := c.pt.NumPEs()

	lensByPE := make([][]int64, p)
	for r := 0; r < p; r++ {
		lensByPE[r] = make([]int64, len(idxByPE[r]))
		for k, idx := range idxByPE[r] {
			lensByPE[r][k] = lengths[idx]
		}
	}

	send := make([][]byte, p)
	for r := 0; r < p; r++ {
		send[r] = encodeSpans(localOffsets[r], lensByPE[r])
	}
	reqRecv, err := c.tr.AllToAllV(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("reqengine: request_substrings dispatch: %w", err)
	}

	resp := make([][]byte, p)
	for r := 0; r < p; r++ {
		offs, lens := decodeSpans(reqRecv[r])
		var size int64
		for _, l := range lens {
			size += l
		}
		buf := make([]byte, 0, size)
		for i, off := range offs {
			buf = append(buf, c.text[off:off+lens[i]]...)
		}
		resp[r] = buf
	}
	respRecv, err := c.tr.AllToAllV(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("reqengine: request_substrings gather: %w", err)
	}

	out := make([][]byte, len(positions))
	for r := 0; r < p; r++ {
		cursor := 0
		stream := respRecv[r]
		for k, idx := range idxByPE[r] {
			l := int(lensByPE[r][k])
			out[idx] = stream[cursor : cursor+l]
			cursor += l
		}
	}
	return out, nil
}

func (c *Collective) RequestSubstringsHead(ctx context.Context, positions []int64, lengths []int64) ([]byte, []byte, error) {
	if err := checkLengths(positions, lengths); err != nil {
		return nil, nil, err
	}
	idxByPE, localOffsets := route(c.pt, positions)
	p := c.pt.NumPEs()

	lensByPE := make([][]int64, p)
	for r := 0; r < p; r++ {
		lensByPE[r] = make([]int64, len(idxByPE[r]))
		for k, idx := range idxByPE[r] {
			lensByPE[r][k] = lengths[idx]
		}
	}

	send := make([][]byte, p)
	for r := 0; r < p; r++ {
		send[r] = encodeSpans(localOffsets[r], lensByPE[r])
	}
	reqRecv, err := c.tr.AllToAllV(ctx, send)
	if err != nil {
		return nil, nil, fmt.Errorf("reqengine: request_substrings_head dispatch: %w", err)
	}

	resp := make([][]byte, p)
	for r := 0; r < p; r++ {
		offs, lens := decodeSpans(reqRecv[r])
		var size int64
		for _, l := range lens {
			size += l
		}
		buf := make([]byte, 0, size)
		for i, off := range offs {
			buf = append(buf, c.text[off:off+lens[i]]...)
		}
		resp[r] = buf
	}
	respRecv, err := c.tr.AllToAllV(ctx, resp)
	if err != nil {
		return nil, nil, fmt.Errorf("reqengine: request_substrings_head gather: %w", err)
	}

	heads := make([]byte, len(positions))
	tailOffset := make([]int64, len(positions))
	var totalTail int64
	for i, l := range lengths {
		tailOffset[i] = totalTail
		totalTail += l - 1
	}
	tails := make([]byte, totalTail)

	for r := 0; r < p; r++ {
		cursor := 0
		stream := respRecv[r]
		for k, idx := range idxByPE[r] {
			l := int(lensByPE[r][k])
			block := stream[cursor : cursor+l]
			heads[idx] = block[0]
			copy(tails[tailOffset[idx]:], block[1:])
			cursor += l
		}
	}
	return heads, tails, nil
}
