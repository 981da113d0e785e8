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

// Command dpt drives a single-process, multi-goroutine run of the
// distributed substring index: one goroutine per PE, wired together by
// transport/local instead of real sockets, which is enough to exercise
// every query path end to end against a single corpus on disk.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/cpu"

	"github.com/kurpicz-labs/dpt/corpus"
	"github.com/kurpicz-labs/dpt/dpt"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/transport/local"
)

const maxQueryLength = 4096

var (
	dashq        string
	dashn        int
	dasht        string
	dashp        int
	dashwidth    int
	dashstrategy string
)

func init() {
	flag.CommandLine.Usage = printHelp

	flag.StringVar(&dashq, "q", "", "query file, one query per line (alias --queries)")
	flag.StringVar(&dashq, "queries", "", "query file, one query per line")
	flag.IntVar(&dashn, "n", 0, "number of queries distributed to each PE, 0 = split evenly across PEs (alias --number_of_queries_per_pe)")
	flag.IntVar(&dashn, "number_of_queries_per_pe", 0, "number of queries distributed to each PE, 0 = split evenly across PEs")
	flag.StringVar(&dasht, "t", "ex", "query type: ex (existential), co (counting), en (enumeration) (alias --query_type)")
	flag.StringVar(&dasht, "query_type", "ex", "query type: ex (existential), co (counting), en (enumeration)")
	flag.IntVar(&dashp, "p", 1, "number of processing elements to run in this process")
	flag.IntVar(&dashwidth, "width", 64, "on-disk SA/LCP record width in bits: 40 or 64")
	flag.StringVar(&dashstrategy, "strategy", "collective", "substring request strategy: collective or onesided")
}

// printHelp groups the flag listing by concern instead of flag.PrintDefaults'
// alphabetical order, since -t and its alias --query_type otherwise land far
// apart from each other.
func printHelp() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "usage: dpt [flags] sa-path lcp-path text-path")

	group := func(title string, names ...string) {
		fmt.Fprintf(out, "\n%s:\n", title)
		for _, name := range names {
			f := flag.Lookup(name)
			fmt.Fprintf(out, "  -%s\n    \t%s\n", f.Name, f.Usage)
		}
	}
	group("Query options", "q", "queries", "n", "number_of_queries_per_pe", "t", "query_type")
	group("Cluster shape", "p")
	group("Corpus format", "width", "strategy")
}

func exitf(f string, args ...any) {
	exit(fmt.Errorf(f, args...))
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		flag.CommandLine.Usage()
		os.Exit(1)
	}
	saPath, lcpPath, textPath := args[0], args[1], args[2]

	if dashq == "" {
		exitf("missing -q/--queries")
	}
	qtype, err := parseQueryType(dasht)
	if err != nil {
		exit(err)
	}
	width, err := parseWidth(dashwidth)
	if err != nil {
		exit(err)
	}
	strat, err := parseStrategy(dashstrategy)
	if err != nil {
		exit(err)
	}
	if dashp < 1 {
		exitf("-p must be at least 1, got %d", dashp)
	}

	runID := uuid.New()
	fmt.Fprintf(os.Stderr, "run %s: %d PE(s), strategy=%s, width=%d\n", runID, dashp, dashstrategy, dashwidth)
	if runtime.GOARCH == "amd64" && !cpu.X86.HasAVX512 {
		fmt.Fprintln(os.Stderr, "note: CPU lacks AVX-512; no code path here depends on it")
	}

	lines, err := readLines(dashq)
	if err != nil {
		exit(err)
	}
	perPE := distribute(lines, dashp, dashn)

	cfg := dpt.Config{
		TextPath: textPath, SAPath: saPath, LCPPath: lcpPath,
		Width: width, MaxQueryLength: maxQueryLength, Strategy: strat,
	}

	g := local.NewGroup(dashp)
	var out sync.Mutex
	var wg sync.WaitGroup
	var failed bool
	wg.Add(dashp)
	for r := 0; r < dashp; r++ {
		go func(r int) {
			defer wg.Done()
			if err := runPE(r, g, cfg, qtype, perPE[r], &out); err != nil {
				out.Lock()
				fmt.Fprintf(os.Stderr, "PE %d: %v\n", r, err)
				out.Unlock()
				failed = true
			}
		}(r)
	}
	wg.Wait()
	if failed {
		os.Exit(1)
	}
}

func runPE(r int, g *local.Group, cfg dpt.Config, qtype string, queries []string, out *sync.Mutex) error {
	ctx := context.Background()
	f := dpt.New(g.Rank(r), cfg)
	if err := f.Construct(ctx); err != nil {
		return fmt.Errorf("construct: %w", err)
	}
	defer f.Close()
	if err := f.Ready(ctx); err != nil {
		return fmt.Errorf("ready: %w", err)
	}

	if len(queries) == 0 {
		return nil
	}
	batch := querybatch.Split([]byte(strings.Join(queries, "\n")+"\n"), '\n', maxQueryLength)

	switch qtype {
	case "ex":
		res, err := f.ExistentialBatched(ctx, batch)
		if err != nil {
			return err
		}
		out.Lock()
		for i, q := range queries {
			fmt.Printf("PE %d: %q -> %v\n", r, q, res[i])
		}
		out.Unlock()
	case "co":
		res, err := f.CountingBatched(ctx, batch)
		if err != nil {
			return err
		}
		out.Lock()
		for i, q := range queries {
			fmt.Printf("PE %d: %q -> %d\n", r, q, res[i])
		}
		out.Unlock()
	case "en":
		res, err := f.EnumerationBatched(ctx, batch)
		if err != nil {
			return err
		}
		out.Lock()
		for i, q := range queries {
			positions := append([]int64(nil), res[i]...)
			slices.Sort(positions)
			fmt.Printf("PE %d: %q -> %v\n", r, q, positions)
		}
		out.Unlock()
	}
	return nil
}

func parseQueryType(s string) (string, error) {
	switch s {
	case "ex", "co", "en":
		return s, nil
	default:
		return "", fmt.Errorf("unknown -t/--query_type %q, want one of ex, co, en", s)
	}
}

func parseWidth(bits int) (corpus.IndexWidth, error) {
	switch bits {
	case 40:
		return corpus.Width40, nil
	case 64:
		return corpus.Width64, nil
	default:
		return 0, fmt.Errorf("unsupported -width %d, want 40 or 64", bits)
	}
}

func parseStrategy(s string) (dpt.Strategy, error) {
	switch s {
	case "collective":
		return dpt.Collective, nil
	case "onesided":
		return dpt.OneSided, nil
	default:
		return 0, fmt.Errorf("unknown -strategy %q, want collective or onesided", s)
	}
}

// readLines reads one query per line, dropping a trailing empty line
// (the separator-terminated-file case spec.md's query format assumes).
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning query file: %w", err)
	}
	return lines, nil
}

// distribute slices lines into p contiguous runs in global file order,
// each capped at n lines (0 meaning ceil(len(lines)/p) lines per PE).
func distribute(lines []string, p, n int) [][]string {
	out := make([][]string, p)
	if n <= 0 {
		n = (len(lines) + p - 1) / p
		if n == 0 {
			n = 1
		}
	}
	for r := 0; r < p; r++ {
		start := r * n
		if start >= len(lines) {
			out[r] = nil
			continue
		}
		end := start + n
		if end > len(lines) {
			end = len(lines)
		}
		out[r] = lines[start:end]
	}
	return out
}
