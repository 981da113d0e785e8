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

// Package transport declares the collective and one-sided
// communication contract the core index components are written
// against. The parallel runtime that actually spawns processes and
// moves bytes around is treated as an external capability: this
// package only pins down the interface, plus two implementations
// (transport/local for a single process, transport/tcpnet for a
// cluster of them).
package transport

import (
	"context"
	"errors"
)

// ErrRankMismatch is returned when a caller presents a send slice
// whose length does not equal Size().
var ErrRankMismatch = errors.New("transport: send slice length does not match group size")

// ErrClosed names the use of a Transport or Window after it has been
// closed. Neither transport/local nor transport/tcpnet returns it: a
// local Window stays readable after Close, and tcpnet reports a closed
// connection as a wrapped network error.
var ErrClosed = errors.New("transport: use of closed transport")

// Transport is the collective/one-sided communication contract the
// core components (reqengine, dispatch, dpt) are written against.
// Every method is a synchronization point: it must be invoked by
// every PE in the group, though the amount of data contributed may
// differ ("skew is permitted", per the batching discipline in
// spec.md section 5).
type Transport interface {
	// Rank returns this handle's own PE rank, in [0, Size()).
	Rank() int

	// Size returns the number of PEs in the group.
	Size() int

	// AllToAll exchanges equal-sized buffers: send[r] is delivered to
	// PE r, and recv[s] is what PE s sent to this PE.
	AllToAll(ctx context.Context, send [][]byte) (recv [][]byte, err error)

	// AllToAllV is the variable-sized form of AllToAll. send[r] may be
	// of any length, including lengths that would overflow a 32-bit
	// wire element count; implementations must chunk internally and
	// present the caller with a single logical call. recv[s] is the
	// concatenation, in send order, of everything PE s sent to this
	// PE; regions are ordered by increasing source rank.
	AllToAllV(ctx context.Context, send [][]byte) (recv [][]byte, err error)

	// AllReduceAnd computes the logical AND of v across every PE.
	AllReduceAnd(ctx context.Context, v bool) (bool, error)

	// AllReduceMax computes the maximum of v across every PE.
	AllReduceMax(ctx context.Context, v int64) (int64, error)

	// AllGather gathers one fixed-size record from every PE, returned
	// in rank order.
	AllGather(ctx context.Context, v []byte) ([][]byte, error)

	// Barrier blocks until every PE has called Barrier.
	Barrier(ctx context.Context) error

	// OpenWindow exposes local as a one-sided, remotely readable
	// window under name. Every PE must call OpenWindow with the same
	// name (and may contribute a different local buffer); the
	// returned Window lets any PE read spans out of any other PE's
	// buffer via GetBatch, without that PE's active participation between
	// fences. Windows are read-only from the point of view of every
	// PE except the one that contributed the corresponding buffer,
	// and that PE must not mutate it after OpenWindow returns.
	OpenWindow(ctx context.Context, name string, local []byte) (Window, error)
}

// GetRequest is a single one-sided read: length bytes starting at
// localOffset within the buffer that PE Target contributed to the
// window.
type GetRequest struct {
	Target      int
	LocalOffset int64
	Length      int64
}

// Window is a one-sided remotely-readable memory region. A round of
// Get calls is bounded by the batching discipline in spec.md section
// 5: callers are expected to bound each GetBatch call to at most
// REQ_ROUND_SIZE requests and loop, checking AllReduceAnd-style
// completion themselves (reqengine does this).
type Window interface {
	// GetBatch performs every request in reqs and returns the results
	// in the same order as reqs. This is one fence-bounded epoch: all
	// requests in the batch are guaranteed visible once GetBatch
	// returns, but requests within the batch are unordered relative
	// to one another.
	GetBatch(ctx context.Context, reqs []GetRequest) ([][]byte, error)

	// Close releases the window. Every PE that called OpenWindow must
	// call Close exactly once.
	Close() error
}
