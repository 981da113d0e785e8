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

// Package corpus loads the raw text byte stream and the packed SA/LCP
// arrays a dpt.Facade is constructed from, and slices them into the
// per-PE shard a given partition.Partition assigns to one PE.
package corpus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/kurpicz-labs/dpt/partition"
)

// IndexWidth selects the on-disk record width of the SA/LCP arrays.
// Arithmetic is always done in 64 bits once loaded; this only governs
// (de)serialization, per spec.md section 9's "variable-width indices"
// design note.
type IndexWidth int

const (
	// Width40 stores each SA/LCP entry in 5 little-endian bytes.
	Width40 IndexWidth = 5
	// Width64 stores each SA/LCP entry in 8 little-endian bytes.
	Width64 IndexWidth = 8
)

// Corpus holds the full (unpartitioned) text and SA/LCP arrays read
// from disk. Use Shard to slice out one PE's portion.
type Corpus struct {
	Text []byte
	SA   []int64
	LCP  []int64
	// Hash is a blake2b-256 digest of Text, logged by dpt.Facade at
	// construction time as a cheap way to confirm every PE loaded a
	// byte-identical corpus without shipping the corpus itself around.
	Hash [32]byte
}

// Load reads the raw text byte stream from textPath (transparently
// decompressing it if the name ends in ".zst") and the packed SA/LCP
// arrays from saPath/lcpPath at the given width, matching spec.md
// section 6's file formats exactly.
func Load(textPath, saPath, lcpPath string, width IndexWidth) (*Corpus, error) {
	text, err := readText(textPath)
	if err != nil {
		return nil, fmt.Errorf("corpus: reading text: %w", err)
	}
	sa, err := loadPacked(saPath, width)
	if err != nil {
		return nil, fmt.Errorf("corpus: reading SA: %w", err)
	}
	lcp, err := loadPacked(lcpPath, width)
	if err != nil {
		return nil, fmt.Errorf("corpus: reading LCP: %w", err)
	}
	if len(sa) != len(text) || len(lcp) != len(text) {
		return nil, fmt.Errorf("corpus: text has %d bytes, SA has %d entries, LCP has %d entries", len(text), len(sa), len(lcp))
	}
	return &Corpus{Text: text, SA: sa, LCP: lcp, Hash: blake2b.Sum256(text)}, nil
}

// readText reads textPath, decompressing it with a streaming zstd
// decoder (the same library ion/blockfmt/convert.go reaches for) if
// the path carries a ".zst" suffix -- lets a corpus be stored
// compressed on disk without the SA/LCP arrays needing to change at
// all, since those are always read uncompressed.
func readText(path string) ([]byte, error) {
	if !strings.HasSuffix(path, ".zst") {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("opening zstd stream: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// loadPacked reads a raw little-endian array of the given record
// width. Width64 uses encoding/binary directly; Width40 has no
// corresponding stdlib accessor, so each 5-byte record is assembled
// by hand into the low 40 bits of an int64.
func loadPacked(path string, width IndexWidth) ([]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w := int(width)
	if w != int(Width40) && w != int(Width64) {
		return nil, fmt.Errorf("corpus: unsupported index width %d", w)
	}
	if len(data)%w != 0 {
		return nil, fmt.Errorf("corpus: %s length %d is not a multiple of record width %d", path, len(data), w)
	}
	n := len(data) / w
	out := make([]int64, n)
	switch width {
	case Width64:
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case Width40:
		for i := range out {
			rec := data[i*5 : i*5+5]
			var v uint64
			for j := 4; j >= 0; j-- {
				v = v<<8 | uint64(rec[j])
			}
			out[i] = int64(v)
		}
	}
	return out, nil
}

// Shard returns the text/SA/LCP slices pt assigns to pe. The returned
// text slice carries up to pad extra bytes co-located past pe's
// logical boundary (capped at the corpus's true end), so that a
// verify/edge read of up to pad bytes starting inside pe's shard never
// needs to cross to another PE's shard to be resolved locally -- the
// distributed_patricia_trie construction pads every shard by
// max_query_length bytes for exactly this reason. SA/LCP are never
// padded: trie construction only ever walks a PE's own logical
// entries.
func (c *Corpus) Shard(pt partition.Partition, pe int, pad int64) (text []byte, sa, lcp []int64) {
	b := pt.Bounds(pe)
	end := b.End + pad
	if end > int64(len(c.Text)) {
		end = int64(len(c.Text))
	}
	return c.Text[b.Start:end], c.SA[b.Start:b.End], c.LCP[b.Start:b.End]
}
