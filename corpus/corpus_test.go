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

package corpus

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/kurpicz-labs/dpt/partition"
)

func writePacked(t *testing.T, path string, vals []int64, width IndexWidth) {
	t.Helper()
	buf := make([]byte, len(vals)*int(width))
	for i, v := range vals {
		var rec [8]byte
		binary.LittleEndian.PutUint64(rec[:], uint64(v))
		copy(buf[i*int(width):], rec[:width])
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWidths(t *testing.T) {
	const text = "banana$"
	sa := []int64{6, 5, 3, 1, 0, 4, 2}
	lcp := []int64{0, 0, 1, 3, 0, 0, 2}

	for _, width := range []IndexWidth{Width40, Width64} {
		dir := t.TempDir()
		textPath := filepath.Join(dir, "text")
		saPath := filepath.Join(dir, "sa")
		lcpPath := filepath.Join(dir, "lcp")
		if err := os.WriteFile(textPath, []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
		writePacked(t, saPath, sa, width)
		writePacked(t, lcpPath, lcp, width)

		c, err := Load(textPath, saPath, lcpPath, width)
		if err != nil {
			t.Fatalf("width %d: Load: %v", width, err)
		}
		if string(c.Text) != text {
			t.Fatalf("width %d: Text = %q, want %q", width, c.Text, text)
		}
		for i := range sa {
			if c.SA[i] != sa[i] || c.LCP[i] != lcp[i] {
				t.Fatalf("width %d: entry %d = (%d,%d), want (%d,%d)", width, i, c.SA[i], c.LCP[i], sa[i], lcp[i])
			}
		}
	}
}

func TestShard(t *testing.T) {
	c := &Corpus{
		Text: []byte("banana$"),
		SA:   []int64{6, 5, 3, 1, 0, 4, 2},
		LCP:  []int64{0, 0, 1, 3, 0, 0, 2},
	}
	pt := partition.New(len(c.Text), 2)
	text0, sa0, lcp0 := c.Shard(pt, 0, 0)
	if string(text0) != "ban" || len(sa0) != 3 || len(lcp0) != 3 {
		t.Fatalf("shard 0 = %q %v %v", text0, sa0, lcp0)
	}
	text1, sa1, lcp1 := c.Shard(pt, 1, 0)
	if string(text1) != "ana$" || len(sa1) != 4 || len(lcp1) != 4 {
		t.Fatalf("shard 1 = %q %v %v", text1, sa1, lcp1)
	}
}

func TestShardPadding(t *testing.T) {
	c := &Corpus{
		Text: []byte("banana$"),
		SA:   []int64{6, 5, 3, 1, 0, 4, 2},
		LCP:  []int64{0, 0, 1, 3, 0, 0, 2},
	}
	pt := partition.New(len(c.Text), 2)

	// PE 0's logical shard is "ban"; padding by 2 bytes co-locates the
	// next 2 bytes of PE 1's shard ("an") without changing its SA/LCP.
	text0, sa0, _ := c.Shard(pt, 0, 2)
	if string(text0) != "banan" || len(sa0) != 3 {
		t.Fatalf("padded shard 0 = %q (sa len %d)", text0, len(sa0))
	}

	// Padding past the corpus's true end is capped, never panics or
	// reads out of bounds.
	text1, sa1, _ := c.Shard(pt, 1, 100)
	if string(text1) != "ana$" || len(sa1) != 4 {
		t.Fatalf("padded shard 1 = %q (sa len %d)", text1, len(sa1))
	}
}

func TestLoadZstdText(t *testing.T) {
	const text = "banana$"
	sa := []int64{6, 5, 3, 1, 0, 4, 2}
	lcp := []int64{0, 0, 1, 3, 0, 0, 2}

	dir := t.TempDir()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll([]byte(text), nil)
	enc.Close()

	textPath := filepath.Join(dir, "text.zst")
	saPath := filepath.Join(dir, "sa")
	lcpPath := filepath.Join(dir, "lcp")
	if err := os.WriteFile(textPath, compressed, 0o644); err != nil {
		t.Fatal(err)
	}
	writePacked(t, saPath, sa, Width64)
	writePacked(t, lcpPath, lcp, Width64)

	c, err := Load(textPath, saPath, lcpPath, Width64)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(c.Text) != text {
		t.Fatalf("Text = %q, want %q", c.Text, text)
	}
	if want := blake2b.Sum256([]byte(text)); !bytes.Equal(c.Hash[:], want[:]) {
		t.Fatalf("Hash mismatch")
	}
}

func TestLoadLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "text")
	saPath := filepath.Join(dir, "sa")
	lcpPath := filepath.Join(dir, "lcp")
	os.WriteFile(textPath, []byte("banana$"), 0o644)
	writePacked(t, saPath, []int64{0, 1, 2}, Width64)
	writePacked(t, lcpPath, []int64{0, 1, 2}, Width64)

	if _, err := Load(textPath, saPath, lcpPath, Width64); err == nil {
		t.Fatal("expected error on length mismatch")
	}
}
