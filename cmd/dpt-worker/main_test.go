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
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
size: 4
textPath: /data/corpus.txt
saPath: /data/sa.bin
lcpPath: /data/lcp.bin
width: 40
strategy: onesided
`)
	cc, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cc.Size != 4 || cc.TextPath != "/data/corpus.txt" || cc.Width != 40 || cc.Strategy != "onesided" {
		t.Fatalf("got %+v", cc)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "size: 2\ntextPath: t\nsaPath: s\nlcpPath: l\n")
	cc, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cc.Width != 0 || cc.Strategy != "" {
		t.Fatalf("expected zero-value width/strategy to mean defaults, got %+v", cc)
	}
}

func TestLoadConfigRejectsZeroSize(t *testing.T) {
	path := writeConfig(t, "size: 0\n")
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for non-positive size")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
