// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the entry point for the Analytics Mesh demo node.
//
// This binary wires together the Sketch Engine, the Anti-Entropy Server and
// Client, the Durability Committer, an optional Snapshot Mirror, and a
// stdin/synthetic ingest front end into a single runnable process. Run
// several of these, pointed at each other via --client-addresses, to watch
// cardinality estimates converge across the mesh via gossip.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"analyticsmesh/internal/config"
	"analyticsmesh/internal/ingest"
	"analyticsmesh/internal/node"
	"analyticsmesh/internal/telemetry/meshstats"
)

// addrList accumulates repeated --client-addresses flag occurrences, the
// flag.Var idiom for multi-valued flags (the standard library's flag
// package has no native slice flag).
type addrList []string

func (a *addrList) String() string { return strings.Join(*a, ",") }
func (a *addrList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func main() {
	sketchFile := flag.String("sketch-file", "", "File path for persisting the sketch (optional; required unless --durability volatile)")

	enableServer := flag.Bool("server", true, "Run the anti-entropy server (default: true)")
	noServer := flag.Bool("no-server", false, "Disable the anti-entropy server")
	enableClient := flag.Bool("client", true, "Run the anti-entropy client (default: true)")
	noClient := flag.Bool("no-client", false, "Disable the anti-entropy client")

	serverAddress := flag.String("server-address", config.DefaultServerAddress, "Address for the anti-entropy server to listen on (HOST:PORT)")
	var clientAddresses addrList
	flag.Var(&clientAddresses, "client-addresses", "Address of a peer for the anti-entropy client to gossip with (HOST:PORT); repeatable")

	durability := flag.String("durability", string(config.Volatile), "Durability level when persisting the sketch: strict, delayed, or volatile")
	atomicity := flag.Bool("atomicity", false, "Force atomic sketch-file writes on")
	noAtomicity := flag.Bool("no-atomicity", false, "Force atomic sketch-file writes off")

	snapshotMirror := flag.String("snapshot-mirror", string(config.MirrorNone), "Optional snapshot mirror backend: none, redis, or kafka")
	snapshotMirrorAddr := flag.String("snapshot-mirror-addr", "", "Address or topic for the snapshot mirror backend")

	metricsAddr := flag.String("metrics-addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g. :9090)")
	telemetryLogInterval := flag.Duration("telemetry-log-interval", 0, "If > 0, periodically log a cardinality estimate summary")

	syntheticIngest := flag.Bool("synthetic-ingest", false, "After stdin is exhausted, keep ingesting synthetic random values (default: false)")
	noSyntheticIngest := flag.Bool("no-synthetic-ingest", false, "Do not fall back to synthetic ingest after stdin is exhausted")

	// Accepted for parity with the reference CLI; this build's ambient
	// logging is the same unleveled fmt/log the rest of the pack uses, so
	// there is no verbosity filter to wire it to yet.
	logLevel := flag.String("log-level", "", "Logging granularity: debug, info, warning, error, critical (currently accepted but not applied)")

	flag.Parse()

	cfg, err := buildConfig(configInputs{
		sketchFile:           *sketchFile,
		enableServer:         resolveToggle(*enableServer, *noServer),
		enableClient:         resolveToggle(*enableClient, *noClient),
		serverAddress:        *serverAddress,
		clientAddresses:      clientAddresses,
		durability:           *durability,
		atomicitySet:         flagWasSet("atomicity") || flagWasSet("no-atomicity"),
		atomicity:            resolveToggle(*atomicity, *noAtomicity),
		snapshotMirror:       *snapshotMirror,
		snapshotMirrorAddr:   *snapshotMirrorAddr,
		metricsAddr:          *metricsAddr,
		telemetryLogInterval: *telemetryLogInterval,
		logLevel:             *logLevel,
	})
	if err != nil {
		log.Fatalf("analyticsmesh: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("analyticsmesh: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("analyticsmesh: %v", err)
	}
	defer n.Stop()

	if cfg.TelemetryLogInterval > 0 {
		go logEstimatePeriodically(n, cfg.TelemetryLogInterval)
	}

	counters := meshstatsCounters{}
	if err := ingest.ReadLines(bufio.NewReader(os.Stdin), n.Engine(), counters); err != nil {
		fmt.Fprintf(os.Stderr, "analyticsmesh: reading stdin: %v\n", err)
	}

	runSynthetic := *syntheticIngest && !*noSyntheticIngest
	if runSynthetic {
		ingest.RunSynthetic(context.Background(), n.Engine(), counters, 100*time.Millisecond)
	}
}

type meshstatsCounters struct{}

func (meshstatsCounters) ObserveIngest() { meshstats.ObserveIngest() }

func logEstimatePeriodically(n *node.Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		estimate := n.Engine().Estimate()
		meshstats.SetCurrentEstimate(estimate)
		fmt.Printf("analyticsmesh: current cardinality estimate ~%d\n", estimate)
	}
}

// resolveToggle implements the --x / --no-x pairing used throughout these
// flags: --no-x wins if both are somehow passed, otherwise the positive
// flag's value is used.
func resolveToggle(positive, negative bool) bool {
	if negative {
		return false
	}
	return positive
}

func flagWasSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

type configInputs struct {
	sketchFile           string
	enableServer         bool
	enableClient         bool
	serverAddress        string
	clientAddresses      []string
	durability           string
	atomicitySet         bool
	atomicity            bool
	snapshotMirror       string
	snapshotMirrorAddr   string
	metricsAddr          string
	telemetryLogInterval time.Duration
	logLevel             string
}

func buildConfig(in configInputs) (config.Config, error) {
	cfg := config.Config{
		SketchFile:           in.sketchFile,
		EnableServer:         in.enableServer,
		EnableClient:         in.enableClient,
		Durability:           config.Durability(in.durability),
		Mirror:               config.Mirror(in.snapshotMirror),
		MirrorAddr:           in.snapshotMirrorAddr,
		MetricsAddr:          in.metricsAddr,
		TelemetryLogInterval: in.telemetryLogInterval,
		LogLevel:             in.logLevel,
	}

	if in.atomicitySet {
		v := in.atomicity
		cfg.Atomicity = &v
	}

	if in.enableServer {
		addr, err := config.ParsePeer(in.serverAddress)
		if err != nil {
			return cfg, err
		}
		cfg.ServerAddr = addr
	}

	addrs := in.clientAddresses
	if len(addrs) == 0 && in.enableClient {
		addrs = config.DefaultClientAddresses
	}
	for _, a := range addrs {
		peer, err := config.ParsePeer(a)
		if err != nil {
			return cfg, err
		}
		cfg.ClientAddrs = append(cfg.ClientAddrs, peer)
	}

	return cfg, nil
}
