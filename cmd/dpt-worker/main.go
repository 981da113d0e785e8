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

// Command dpt-worker drives exactly one PE of the distributed
// substring index over a real TCP connection (transport/tcpnet),
// rather than the in-process goroutines cmd/dpt uses. Every worker in
// a cluster reads the same cluster config file; rank 0 listens, every
// other rank dials rank 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/kurpicz-labs/dpt/corpus"
	"github.com/kurpicz-labs/dpt/dpt"
	"github.com/kurpicz-labs/dpt/querybatch"
	"github.com/kurpicz-labs/dpt/transport/tcpnet"
)

var (
	dashconfig string
	dashrank   int
	dashaddr   string
	dashquery  string
)

func init() {
	flag.StringVar(&dashconfig, "config", "", "cluster config file (YAML)")
	flag.IntVar(&dashrank, "rank", -1, "this process's PE rank; rank 0 listens, every other rank dials")
	flag.StringVar(&dashaddr, "addr", "127.0.0.1:4227", "coordinator listen/dial address")
	flag.StringVar(&dashquery, "query", "", "single query to answer, then exit (omit to just construct and idle)")
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// clusterConfig is every worker's shared view of the cluster, read
// from one YAML file passed to every process via -config -- the same
// "one runtime config file, every process reads it" shape the
// overrides/runtime_config packages in the wider ecosystem use for
// multi-process coordination, adapted here from a per-tenant limits
// document to a fixed corpus/strategy document.
type clusterConfig struct {
	Size     int    `json:"size"`
	TextPath string `json:"textPath"`
	SAPath   string `json:"saPath"`
	LCPPath  string `json:"lcpPath"`
	Width    int    `json:"width"`
	Strategy string `json:"strategy"`
}

func loadConfig(path string) (*clusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config: %w", err)
	}
	var cc clusterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parsing cluster config: %w", err)
	}
	if cc.Size <= 0 {
		return nil, fmt.Errorf("cluster config: size must be positive, got %d", cc.Size)
	}
	return &cc, nil
}

func main() {
	flag.Parse()
	if dashconfig == "" {
		exit(fmt.Errorf("missing -config"))
	}
	if dashrank < 0 {
		exit(fmt.Errorf("missing -rank"))
	}
	cc, err := loadConfig(dashconfig)
	if err != nil {
		exit(err)
	}
	if dashrank >= cc.Size {
		exit(fmt.Errorf("-rank %d out of range for cluster size %d", dashrank, cc.Size))
	}

	var width corpus.IndexWidth
	switch cc.Width {
	case 40:
		width = corpus.Width40
	case 0, 64:
		width = corpus.Width64
	default:
		exit(fmt.Errorf("cluster config: unsupported width %d", cc.Width))
	}

	var strategy dpt.Strategy
	switch cc.Strategy {
	case "", "collective":
		strategy = dpt.Collective
	case "onesided":
		strategy = dpt.OneSided
	default:
		exit(fmt.Errorf("cluster config: unknown strategy %q", cc.Strategy))
	}

	var tr *tcpnet.Transport
	if dashrank == 0 {
		var addr string
		tr, addr, err = tcpnet.Listen(dashaddr, cc.Size)
		if err != nil {
			exit(err)
		}
		fmt.Fprintf(os.Stderr, "rank 0 listening on %s, waiting for %d peer(s)\n", addr, cc.Size-1)
	} else {
		tr, err = tcpnet.Dial(dashaddr, dashrank, cc.Size)
		if err != nil {
			exit(err)
		}
	}
	defer tr.Close()

	runID := uuid.New()
	fmt.Fprintf(os.Stderr, "run %s: rank %d of %d\n", runID, dashrank, cc.Size)

	ctx := context.Background()
	f := dpt.New(tr, dpt.Config{
		TextPath: cc.TextPath, SAPath: cc.SAPath, LCPPath: cc.LCPPath,
		Width: width, MaxQueryLength: 4096, Strategy: strategy,
	})
	if err := f.Construct(ctx); err != nil {
		exit(fmt.Errorf("construct: %w", err))
	}
	defer f.Close()
	if err := f.Ready(ctx); err != nil {
		exit(fmt.Errorf("ready: %w", err))
	}

	if dashquery == "" {
		fmt.Fprintln(os.Stderr, "rank", dashrank, "ready, no -query given, exiting")
		return
	}
	batch, err := querybatch.New([]byte(dashquery), []int{len(dashquery)})
	if err != nil {
		exit(err)
	}
	count, err := f.CountingBatched(ctx, batch)
	if err != nil {
		exit(fmt.Errorf("counting query: %w", err))
	}
	fmt.Printf("rank %d: %q -> %d\n", dashrank, dashquery, count[0])
}
