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

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kurpicz-labs/dpt/corpus"
	"github.com/kurpicz-labs/dpt/dpt"
)

func TestDistributeContiguousWithN(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	got := distribute(lines, 4, 5)
	for pe := 0; pe < 4; pe++ {
		want := lines[pe*5 : pe*5+5]
		if !reflect.DeepEqual(got[pe], want) {
			t.Errorf("pe %d = %v, want %v", pe, got[pe], want)
		}
	}
}

func TestDistributeNZeroSplitsEvenly(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	got := distribute(lines, 2, 0)
	if !reflect.DeepEqual(got[0], []string{"a", "b"}) || !reflect.DeepEqual(got[1], []string{"c", "d"}) {
		t.Fatalf("got %v", got)
	}
}

func TestDistributeRunsOutOfLines(t *testing.T) {
	lines := []string{"a", "b"}
	got := distribute(lines, 3, 1)
	if !reflect.DeepEqual(got[0], []string{"a"}) || !reflect.DeepEqual(got[1], []string{"b"}) || got[2] != nil {
		t.Fatalf("got %v", got)
	}
}

func TestParseQueryType(t *testing.T) {
	for _, ok := range []string{"ex", "co", "en"} {
		if _, err := parseQueryType(ok); err != nil {
			t.Errorf("parseQueryType(%q): %v", ok, err)
		}
	}
	if _, err := parseQueryType("bogus"); err == nil {
		t.Fatal("expected error for unknown query type")
	}
}

func TestParseWidth(t *testing.T) {
	if w, err := parseWidth(40); err != nil || w != corpus.Width40 {
		t.Fatalf("parseWidth(40) = %v, %v", w, err)
	}
	if w, err := parseWidth(64); err != nil || w != corpus.Width64 {
		t.Fatalf("parseWidth(64) = %v, %v", w, err)
	}
	if _, err := parseWidth(16); err == nil {
		t.Fatal("expected error for unsupported width")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := parseStrategy("collective"); err != nil || s != dpt.Collective {
		t.Fatalf("parseStrategy(collective) = %v, %v", s, err)
	}
	if s, err := parseStrategy("onesided"); err != nil || s != dpt.OneSided {
		t.Fatalf("parseStrategy(onesided) = %v, %v", s, err)
	}
	if _, err := parseStrategy("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestReadLinesDropsTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.txt")
	if err := os.WriteFile(path, []byte("ana\nban\nxyz\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readLines(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ana", "ban", "xyz"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
