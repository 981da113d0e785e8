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

package tcpnet

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kurpicz-labs/dpt/transport"
)

func TestFrameChecksumDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, msgBarrier, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	wire := buf.Bytes()
	wire[len(wire)-1] ^= 0xff // flip a bit in the trailing checksum

	if _, _, err := readFrame(bytes.NewReader(wire)); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello dpt")
	if err := writeFrame(&buf, msgAllGather, payload); err != nil {
		t.Fatal(err)
	}
	kind, got, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kind != msgAllGather || !bytes.Equal(got, payload) {
		t.Fatalf("got (%d, %q)", kind, got)
	}
}

// setup starts a real loopback TCP coordinator plus size-1 dialing
// peers, all within this test process -- real sockets, not a fake
// in-memory substitute, but without spawning separate OS processes
// (per SPEC_FULL.md's resolution of the hermetic-test open question).
func setup(t *testing.T, size int) []*Transport {
	t.Helper()
	var coordAddr string
	coordCh := make(chan *Transport, 1)
	errCh := make(chan error, size)
	addrCh := make(chan string, 1)

	go func() {
		coord, addr, err := Listen("127.0.0.1:0", size)
		if err != nil {
			errCh <- err
			return
		}
		addrCh <- addr
		coordCh <- coord
	}()
	coordAddr = <-addrCh

	out := make([]*Transport, size)
	var wg sync.WaitGroup
	for r := 1; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			tr, err := Dial(coordAddr, r, size)
			if err != nil {
				errCh <- err
				return
			}
			out[r] = tr
		}(r)
	}
	wg.Wait()
	select {
	case err := <-errCh:
		t.Fatalf("setup failed: %v", err)
	default:
	}
	out[0] = <-coordCh
	return out
}

func TestTCPAllToAllV(t *testing.T) {
	const p = 3
	peers := setup(t, p)
	defer func() {
		for _, tr := range peers {
			tr.Close()
		}
	}()

	var wg sync.WaitGroup
	results := make([][][]byte, p)
	for r := 0; r < p; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			send := make([][]byte, p)
			for dst := 0; dst < p; dst++ {
				send[dst] = []byte(fmt.Sprintf("%d->%d", r, dst))
			}
			recv, err := peers[r].AllToAllV(context.Background(), send)
			if err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			results[r] = recv
		}(r)
	}
	wg.Wait()

	for r := 0; r < p; r++ {
		for src := 0; src < p; src++ {
			want := fmt.Sprintf("%d->%d", src, r)
			if got := string(results[r][src]); got != want {
				t.Errorf("rank %d recv[%d] = %q, want %q", r, src, got, want)
			}
		}
	}
}

func TestTCPAllReduceAndBarrier(t *testing.T) {
	const p = 4
	peers := setup(t, p)
	defer func() {
		for _, tr := range peers {
			tr.Close()
		}
	}()

	var wg sync.WaitGroup
	outcomes := make([]bool, p)
	for r := 0; r < p; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			v, err := peers[r].AllReduceAnd(context.Background(), true)
			if err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			outcomes[r] = v
			if err := peers[r].Barrier(context.Background()); err != nil {
				t.Errorf("rank %d barrier: %v", r, err)
			}
		}(r)
	}
	wg.Wait()
	for r, v := range outcomes {
		if !v {
			t.Errorf("rank %d: AllReduceAnd(true,true,...) = false", r)
		}
	}
}

func TestTCPWindowGetBatch(t *testing.T) {
	const p = 3
	peers := setup(t, p)
	defer func() {
		for _, tr := range peers {
			tr.Close()
		}
	}()

	var wg sync.WaitGroup
	type out struct {
		got [][]byte
		err error
	}
	results := make([]out, p)
	for r := 0; r < p; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			local := []byte(fmt.Sprintf("pe%d-data", r))
			w, err := peers[r].OpenWindow(context.Background(), "text", local)
			if err != nil {
				results[r] = out{err: err}
				return
			}
			reqs := make([]transport.GetRequest, p)
			for target := 0; target < p; target++ {
				reqs[target] = transport.GetRequest{Target: target, LocalOffset: 0, Length: 3}
			}
			got, err := w.GetBatch(context.Background(), reqs)
			results[r] = out{got: got, err: err}
		}(r)
	}
	wg.Wait()
	for r, res := range results {
		if res.err != nil {
			t.Fatalf("rank %d: %v", r, res.err)
		}
		for target := 0; target < p; target++ {
			want := fmt.Sprintf("pe%d", target)
			if string(res.got[target]) != want {
				t.Errorf("rank %d: get(%d) = %q, want %q", r, target, res.got[target], want)
			}
		}
	}
}
