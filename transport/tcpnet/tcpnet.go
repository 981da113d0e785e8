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

// Package tcpnet implements transport.Transport across real OS
// processes connected by TCP. PE 0 acts as a rendezvous coordinator:
// every other PE dials a connection to it, and every collective is
// realized as "send contribution to PE 0, PE 0 combines, PE 0 fans
// the result back out". This keeps the wire protocol to one
// well-understood topology instead of a full mesh, at the cost of
// routing every collective through rank 0 -- an acceptable tradeoff
// since spec.md section 1 explicitly treats the parallel runtime
// itself as out of scope for the core; this package only exists so
// that something real backs transport.Transport end to end.
//
// The wire framing is a direct generalization of the teacher's
// plan.frame type (github.com/SnellerInc/sneller/plan/partition.go):
// a 4-byte header packing a message kind into the high byte and a
// payload length into the low 24 bits. Frames are told apart by their
// msgKind only; AllToAllVTag keeps the reference's alltoallv message
// tag value as a constant, and is not written to the wire.
package tcpnet

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dchest/siphash"

	"github.com/kurpicz-labs/dpt/transport"
)

// checksumKey0/checksumKey1 key the per-frame siphash integrity check
// below. They need not be secret (there is no adversary on this wire,
// only bit flips and truncated writes to catch); a fixed key pair is
// the same choice plan/input.go and splitter.go make for their
// consistent-hash siphash.Hash(key0, key1, ...) calls.
const (
	checksumKey0 = 0x646374706e657421
	checksumKey1 = 0x7370656320667572
)

const AllToAllVTag = 44227

type msgKind uint32

const (
	msgHello msgKind = iota
	msgAllToAll
	msgAllToAllV
	msgAllReduceAnd
	msgAllReduceMax
	msgAllGather
	msgBarrier
	msgWindowOpen
	msgWindowGet
)

// frame mirrors plan.frame: kind in the high byte, payload length in
// the low 24 bits.
type frame uint32

const maxPayload = (1 << 24) - 1

func mkframe(kind msgKind, size int) frame {
	return frame(uint32(kind)<<24 | uint32(size)&0xffffff)
}

func (f frame) kind() msgKind { return msgKind(f >> 24) }
func (f frame) length() int   { return int(f & 0xffffff) }

// writeFrame appends an 8-byte siphash checksum over the payload after
// the length-prefixed body, so readFrame can detect a corrupted or
// truncated payload before it's handed to a decoder that would
// otherwise fail with a confusing error several layers removed from
// the actual wire fault.
func writeFrame(w io.Writer, kind msgKind, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("tcpnet: payload of %d bytes exceeds framing limit", len(payload))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(mkframe(kind, len(payload))))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], siphash.Hash(checksumKey0, checksumKey1, payload))
	_, err := w.Write(sum[:])
	return err
}

func readFrame(r io.Reader) (msgKind, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	f := frame(binary.LittleEndian.Uint32(hdr[:]))
	payload := make([]byte, f.length())
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("tcpnet: reading %d byte payload: %w", f.length(), err)
	}
	var sum [8]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return 0, nil, fmt.Errorf("tcpnet: reading frame checksum: %w", err)
	}
	if binary.LittleEndian.Uint64(sum[:]) != siphash.Hash(checksumKey0, checksumKey1, payload) {
		return 0, nil, fmt.Errorf("tcpnet: frame checksum mismatch, wire corrupted or out of sync")
	}
	return f.kind(), payload, nil
}

// encodeBlocks packs a [][]byte as: uint32 count, then for each block
// a uint32 length followed by its bytes.
func encodeBlocks(blocks [][]byte) []byte {
	size := 4
	for _, b := range blocks {
		size += 4 + len(b)
	}
	out := make([]byte, 0, size)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(blocks)))
	out = append(out, tmp[:]...)
	for _, b := range blocks {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
		out = append(out, tmp[:]...)
		out = append(out, b...)
	}
	return out
}

func decodeBlocks(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("tcpnet: truncated block count")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("tcpnet: truncated block length")
		}
		l := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < l {
			return nil, fmt.Errorf("tcpnet: truncated block body")
		}
		out = append(out, buf[:l])
		buf = buf[l:]
	}
	return out, nil
}

// peerConn is the coordinator's view of one non-zero-rank PE.
type peerConn struct {
	c  net.Conn
	rd *bufio.Reader
}

// Transport implements transport.Transport over TCP in the star
// topology described in the package doc.
type Transport struct {
	rank int
	size int

	// rank 0 only
	mu    sync.Mutex
	peers []*peerConn // indexed by rank; peers[0] is unused
	wins  map[string]*coordWindow

	// non-zero ranks only
	coord net.Conn
	crd   *bufio.Reader
}

// Listen starts the rank-0 coordinator on addr (e.g. "127.0.0.1:0"),
// accepting exactly size-1 incoming connections (one per
// non-coordinator rank) before returning.
func Listen(addr string, size int) (*Transport, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("tcpnet: listen: %w", err)
	}
	defer ln.Close()
	t := &Transport{rank: 0, size: size, peers: make([]*peerConn, size), wins: make(map[string]*coordWindow)}
	for i := 1; i < size; i++ {
		c, err := ln.Accept()
		if err != nil {
			return nil, "", fmt.Errorf("tcpnet: accept peer %d: %w", i, err)
		}
		rd := bufio.NewReader(c)
		kind, payload, err := readFrame(rd)
		if err != nil {
			return nil, "", fmt.Errorf("tcpnet: reading hello from new connection: %w", err)
		}
		if kind != msgHello || len(payload) != 4 {
			return nil, "", fmt.Errorf("tcpnet: expected hello frame, got kind %d", kind)
		}
		rank := int(binary.LittleEndian.Uint32(payload))
		if rank <= 0 || rank >= size || t.peers[rank] != nil {
			return nil, "", fmt.Errorf("tcpnet: bad or duplicate rank %d announced", rank)
		}
		t.peers[rank] = &peerConn{c: c, rd: rd}
	}
	return t, ln.Addr().String(), nil
}

// Dial connects to the rank-0 coordinator at addr and announces the
// dialing PE's own rank.
func Dial(addr string, rank, size int) (*Transport, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: dial coordinator: %w", err)
	}
	var hello [4]byte
	binary.LittleEndian.PutUint32(hello[:], uint32(rank))
	if err := writeFrame(c, msgHello, hello[:]); err != nil {
		return nil, fmt.Errorf("tcpnet: sending hello: %w", err)
	}
	return &Transport{rank: rank, size: size, coord: c, crd: bufio.NewReader(c)}, nil
}

// Close tears down this PE's half of the topology: the coordinator
// closes every peer connection, a regular rank closes its connection
// to the coordinator.
func (t *Transport) Close() error {
	if t.rank == 0 {
		var first error
		for _, p := range t.peers {
			if p == nil {
				continue
			}
			if err := p.c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return t.coord.Close()
}

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

// call implements the star-topology rendezvous shared by every
// collective: non-zero ranks ship their contribution to rank 0 and
// block for the combined reply; rank 0 gathers one contribution per
// peer connection (its own is passed in directly), runs combine, and
// fans the result back out.
func (t *Transport) call(kind msgKind, mine []byte, combine func(contribs [][]byte) []byte) ([]byte, error) {
	if t.rank != 0 {
		if err := writeFrame(t.coord, kind, mine); err != nil {
			return nil, fmt.Errorf("tcpnet: sending %d: %w", kind, err)
		}
		k, payload, err := readFrame(t.crd)
		if err != nil {
			return nil, fmt.Errorf("tcpnet: reading %d reply: %w", kind, err)
		}
		if k != kind {
			return nil, fmt.Errorf("tcpnet: expected reply kind %d, got %d", kind, k)
		}
		return payload, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	contribs := make([][]byte, t.size)
	contribs[0] = mine
	for r := 1; r < t.size; r++ {
		k, payload, err := readFrame(t.peers[r].rd)
		if err != nil {
			return nil, fmt.Errorf("tcpnet: reading contribution from rank %d: %w", r, err)
		}
		if k != kind {
			return nil, fmt.Errorf("tcpnet: rank %d sent kind %d, expected %d", r, k, kind)
		}
		contribs[r] = payload
	}
	result := combine(contribs)
	for r := 1; r < t.size; r++ {
		if err := writeFrame(t.peers[r].c, kind, result); err != nil {
			return nil, fmt.Errorf("tcpnet: replying to rank %d: %w", r, err)
		}
	}
	return result, nil
}

func (t *Transport) AllToAll(_ context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != t.size {
		return nil, transport.ErrRankMismatch
	}
	reply, err := t.call(msgAllToAll, encodeBlocks(send), func(contribs [][]byte) []byte {
		// contribs[src] is src's full send-to-everyone vector; the
		// reply handed back to rank r must be everyone's block r.
		decoded := make([][][]byte, t.size)
		for src := range contribs {
			blocks, derr := decodeBlocks(contribs[src])
			if derr != nil {
				// malformed peer input; degrade to empty blocks
				blocks = make([][]byte, t.size)
			}
			decoded[src] = blocks
		}
		// This reply is specialized per destination below, via the
		// shared combine result plus a second pass in the caller, so
		// just stash the decoded matrix by encoding it back out whole
		// and letting each rank pick its column.
		return encodeMatrix(decoded)
	})
	if err != nil {
		return nil, err
	}
	matrix, err := decodeMatrix(reply, t.size)
	if err != nil {
		return nil, err
	}
	col := make([][]byte, t.size)
	for src := 0; src < t.size; src++ {
		col[src] = matrix[src][t.rank]
	}
	return col, nil
}

func (t *Transport) AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error) {
	// Identical shape to AllToAll; the variable-length framing is
	// already handled by encodeBlocks/decodeBlocks, so the only
	// difference from AllToAll is semantic (arbitrary block sizes).
	// Every contribution and the combined reply each travel in a single
	// frame: one whose encoding exceeds maxPayload (2^24-1 bytes) fails
	// with an error, and is not split across several frames.
	return t.AllToAll(ctx, send)
}

// encodeMatrix/decodeMatrix round-trip a [size][size][]byte so that
// AllToAll's combine step can hand every rank the full matrix and let
// each rank select its own column; this avoids a second combine
// dispatch per destination.
func encodeMatrix(m [][][]byte) []byte {
	rows := make([][]byte, len(m))
	for i, row := range m {
		rows[i] = encodeBlocks(row)
	}
	return encodeBlocks(rows)
}

func decodeMatrix(buf []byte, size int) ([][][]byte, error) {
	rows, err := decodeBlocks(buf)
	if err != nil {
		return nil, err
	}
	if len(rows) != size {
		return nil, fmt.Errorf("tcpnet: matrix has %d rows, want %d", len(rows), size)
	}
	out := make([][][]byte, size)
	for i, row := range rows {
		blocks, err := decodeBlocks(row)
		if err != nil {
			return nil, err
		}
		out[i] = blocks
	}
	return out, nil
}

func (t *Transport) AllReduceAnd(_ context.Context, v bool) (bool, error) {
	var mine byte
	if v {
		mine = 1
	}
	reply, err := t.call(msgAllReduceAnd, []byte{mine}, func(contribs [][]byte) []byte {
		out := byte(1)
		for _, c := range contribs {
			if len(c) == 0 || c[0] == 0 {
				out = 0
				break
			}
		}
		return []byte{out}
	})
	if err != nil {
		return false, err
	}
	return len(reply) > 0 && reply[0] != 0, nil
}

func (t *Transport) AllReduceMax(_ context.Context, v int64) (int64, error) {
	var mine [8]byte
	binary.LittleEndian.PutUint64(mine[:], uint64(v))
	reply, err := t.call(msgAllReduceMax, mine[:], func(contribs [][]byte) []byte {
		max := int64(binary.LittleEndian.Uint64(contribs[0]))
		for _, c := range contribs[1:] {
			if x := int64(binary.LittleEndian.Uint64(c)); x > max {
				max = x
			}
		}
		var out [8]byte
		binary.LittleEndian.PutUint64(out[:], uint64(max))
		return out[:]
	})
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(reply)), nil
}

func (t *Transport) AllGather(_ context.Context, v []byte) ([][]byte, error) {
	reply, err := t.call(msgAllGather, v, func(contribs [][]byte) []byte {
		return encodeBlocks(contribs)
	})
	if err != nil {
		return nil, err
	}
	return decodeBlocks(reply)
}

func (t *Transport) Barrier(_ context.Context) error {
	_, err := t.call(msgBarrier, nil, func(contribs [][]byte) []byte { return nil })
	return err
}

// coordWindow is rank 0's bookkeeping for one named OpenWindow call:
// every rank's contributed buffer, so that GetBatch requests routed
// through rank 0 can be served without talking to the owning rank
// again (windows are immutable after construction, per spec.md
// section 5, so rank 0 caching everyone's buffer is safe).
type coordWindow struct {
	bufs [][]byte
}

func (t *Transport) OpenWindow(_ context.Context, name string, local []byte) (transport.Window, error) {
	reply, err := t.call(msgWindowOpen, local, func(contribs [][]byte) []byte {
		t.wins[name] = &coordWindow{bufs: append([][]byte(nil), contribs...)}
		return []byte(name)
	})
	if err != nil {
		return nil, err
	}
	_ = reply
	return &tcpWindow{t: t, name: name}, nil
}

type tcpWindow struct {
	t    *Transport
	name string
}

// GetBatch is implemented as one more rendezvous through the
// coordinator: every rank ships its batch of requests, rank 0
// resolves each one against its cached per-rank buffers (fetching
// from the owning rank is unnecessary since OpenWindow already
// gathered every buffer), and replies with the per-rank ordered
// results.
func (w *tcpWindow) GetBatch(_ context.Context, reqs []transport.GetRequest) ([][]byte, error) {
	payload := encodeGetRequests(reqs)
	reply, err := w.t.call(msgWindowGet, payload, func(contribs [][]byte) []byte {
		win := w.t.wins[w.name]
		perRank := make([][]byte, len(contribs))
		for r, c := range contribs {
			rreqs, derr := decodeGetRequests(c)
			if derr != nil {
				perRank[r] = encodeBlocks(nil)
				continue
			}
			results := make([][]byte, len(rreqs))
			for i, req := range rreqs {
				buf := win.bufs[req.Target]
				end := req.LocalOffset + req.Length
				if req.LocalOffset < 0 || end > int64(len(buf)) {
					results[i] = nil
					continue
				}
				dup := make([]byte, req.Length)
				copy(dup, buf[req.LocalOffset:end])
				results[i] = dup
			}
			perRank[r] = encodeBlocks(results)
		}
		return encodeBlocks(perRank)
	})
	if err != nil {
		return nil, err
	}
	perRank, err := decodeBlocks(reply)
	if err != nil {
		return nil, err
	}
	if w.t.rank >= len(perRank) {
		return nil, fmt.Errorf("tcpnet: reply missing this rank's results")
	}
	return decodeBlocks(perRank[w.t.rank])
}

func (w *tcpWindow) Close() error { return nil }

func encodeGetRequests(reqs []transport.GetRequest) []byte {
	out := make([]byte, 4, 4+len(reqs)*20)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(reqs)))
	var tmp [20]byte
	for _, r := range reqs {
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(r.Target))
		binary.LittleEndian.PutUint64(tmp[4:12], uint64(r.LocalOffset))
		binary.LittleEndian.PutUint64(tmp[12:20], uint64(r.Length))
		out = append(out, tmp[:]...)
	}
	return out
}

func decodeGetRequests(buf []byte) ([]transport.GetRequest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("tcpnet: truncated request count")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n)*20 {
		return nil, fmt.Errorf("tcpnet: truncated request list")
	}
	out := make([]transport.GetRequest, n)
	for i := range out {
		b := buf[i*20 : i*20+20]
		out[i] = transport.GetRequest{
			Target:      int(binary.LittleEndian.Uint32(b[0:4])),
			LocalOffset: int64(binary.LittleEndian.Uint64(b[4:12])),
			Length:      int64(binary.LittleEndian.Uint64(b[12:20])),
		}
	}
	return out, nil
}
