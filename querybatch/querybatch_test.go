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

package querybatch

import "testing"

func TestSplitBasic(t *testing.T) {
	b := Split([]byte("foo\nbar\nbaz\n"), '\n', -1)
	if b.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", b.Size())
	}
	want := []string{"foo", "bar", "baz"}
	for i, w := range want {
		if got := string(b.Query(i)); got != w {
			t.Errorf("Query(%d) = %q, want %q", i, got, w)
		}
	}
}

func TestSplitNoTrailingSeparator(t *testing.T) {
	b := Split([]byte("foo\nbar"), '\n', -1)
	if b.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", b.Size())
	}
	if string(b.Query(1)) != "bar" {
		t.Errorf("Query(1) = %q, want %q", b.Query(1), "bar")
	}
}

func TestSplitTruncation(t *testing.T) {
	b := Split([]byte("abcdefgh\nxy\n"), '\n', 3)
	if got := string(b.Query(0)); got != "abc" {
		t.Errorf("Query(0) = %q, want %q (truncated)", got, "abc")
	}
	if got := string(b.Query(1)); got != "xy" {
		t.Errorf("Query(1) = %q, want %q (untruncated, shorter than cap)", got, "xy")
	}
}

func TestNewFromLengths(t *testing.T) {
	b, err := New([]byte("helloworld"), []int{5, 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(b.Query(0)) != "hello" || string(b.Query(1)) != "world" {
		t.Fatalf("unexpected queries: %q %q", b.Query(0), b.Query(1))
	}
}

func TestNewLengthMismatch(t *testing.T) {
	if _, err := New([]byte("hello"), []int{5, 5}); err == nil {
		t.Fatal("expected error for length/data mismatch")
	}
}

func TestVisitOrder(t *testing.T) {
	b := Split([]byte("a\nbb\nccc\n"), '\n', -1)
	var seen []string
	b.Visit(func(i int, q []byte) {
		seen = append(seen, string(q))
	})
	want := []string{"a", "bb", "ccc"}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("Visit order[%d] = %q, want %q", i, seen[i], w)
		}
	}
}

func TestNilBatchSize(t *testing.T) {
	var b *Batch
	if b.Size() != 0 {
		t.Errorf("nil Batch Size() = %d, want 0", b.Size())
	}
}
