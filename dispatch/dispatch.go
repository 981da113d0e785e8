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

// Package dispatch routes a local query batch to the PEs that own the
// answer (per compacttrie.Trie), exchanges it via one alltoallv round
// per field, and -- since a batched call must return one answer per
// input query to its caller -- reverse-exchanges partial answers back
// to each query's originating PE, merging duplicates produced when a
// query's match spans more than one PE.
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kurpicz-labs/dpt/compacttrie"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/transport"
)

// Origin records, for one query received in a Plan, which PE it
// originated from and its index within that PE's local batch --
// exactly what Reverse needs to route a partial answer home.
type Origin struct {
	SrcPE  int
	SrcIdx int
}

// Plan is the result of forwarding a local batch: the reconstructed
// batch of queries this PE must answer, and, in the same order, where
// each one came from.
type Plan struct {
	Batch  *querybatch.Batch
	Origin []Origin
}

// Dispatcher ties a transport to the global routing trie shared by
// every PE.
type Dispatcher struct {
	tr transport.Transport
	gt *compacttrie.Trie
}

// New builds a Dispatcher over tr, routing with gt.
func New(tr transport.Transport, gt *compacttrie.Trie) *Dispatcher {
	return &Dispatcher{tr: tr, gt: gt}
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func decodeInt64s(buf []byte) []int64 {
	n := len(buf) / 8
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}

// Forward routes every query in batch via gt, duplicating dispatch to
// every PE in [PELeft, PERight] whenever a match spans more than one
// PE, and exchanges query bytes, lengths, and each
// query's local index via one alltoallv per field. Queries that route
// to NoMatch are dropped here -- Reverse never receives an answer for
// them, so the originating PE's result defaults to "no match" without
// special-casing.
func (d *Dispatcher) Forward(ctx context.Context, batch *querybatch.Batch) (*Plan, error) {
	p := d.tr.Size()
	byPE := make([][]int, p)
	for i := 0; i < batch.Size(); i++ {
		route := d.gt.Route(batch.Query(i))
		if route.State == compacttrie.NoMatch {
			continue
		}
		for pe := route.PELeft; pe <= route.PERight; pe++ {
			byPE[pe] = append(byPE[pe], i)
		}
	}

	sendBytes := make([][]byte, p)
	sendLens := make([][]byte, p)
	sendOrig := make([][]byte, p)
	for r := 0; r < p; r++ {
		for _, i := range byPE[r] {
			q := batch.Query(i)
			sendBytes[r] = append(sendBytes[r], q...)
			sendLens[r] = appendInt64(sendLens[r], int64(len(q)))
			sendOrig[r] = appendInt64(sendOrig[r], int64(i))
		}
	}

	recvBytes, err := d.tr.AllToAllV(ctx, sendBytes)
	if err != nil {
		return nil, fmt.Errorf("dispatch: forward bytes: %w", err)
	}
	recvLens, err := d.tr.AllToAllV(ctx, sendLens)
	if err != nil {
		return nil, fmt.Errorf("dispatch: forward lengths: %w", err)
	}
	recvOrig, err := d.tr.AllToAllV(ctx, sendOrig)
	if err != nil {
		return nil, fmt.Errorf("dispatch: forward origins: %w", err)
	}

	var allBytes []byte
	var lengths []int
	var origin []Origin
	for s := 0; s < p; s++ {
		lens := decodeInt64s(recvLens[s])
		origs := decodeInt64s(recvOrig[s])
		buf := recvBytes[s]
		cursor := 0
		for k, l := range lens {
			allBytes = append(allBytes, buf[cursor:cursor+int(l)]...)
			cursor += int(l)
			lengths = append(lengths, int(l))
			origin = append(origin, Origin{SrcPE: s, SrcIdx: int(origs[k])})
		}
	}

	qb, err := querybatch.New(allBytes, lengths)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reconstructing received batch: %w", err)
	}
	return &Plan{Batch: qb, Origin: origin}, nil
}
