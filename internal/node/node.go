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

// Package node implements the Node Coordinator: the top-level object that
// owns the Sketch Engine and wires the Anti-Entropy Server, Anti-Entropy
// Client, Durability Committer, Snapshot Mirror and signal handling
// together into a single start/stop lifecycle.
package node

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"analyticsmesh/internal/config"
	"analyticsmesh/internal/durability"
	"analyticsmesh/internal/gossip"
	"analyticsmesh/internal/server"
	"analyticsmesh/internal/snapshotstore"
	"analyticsmesh/internal/telemetry/meshstats"
	"analyticsmesh/internal/transport"
	"analyticsmesh/pkg/sketch"
)

// Coordinator owns one Node's full lifecycle.
type Coordinator struct {
	cfg config.Config

	engine    *sketch.Engine
	committer *durability.Committer
	server    *server.Server
	client    *gossip.Client
	peers     *transport.Peers
	mirror    snapshotstore.Store

	sigChan chan os.Signal
	sigDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped uint32
}

// New validates cfg and wires every collaborator. Apart from starting the
// /metrics endpoint when cfg.MetricsAddr is set, it performs no side effects
// (no file I/O, no anti-entropy socket binds, no signal handler
// installation) until Start is called — matching the reference
// implementation's constructor/start_handler split.
func New(cfg config.Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := sketch.New()
	engine.SetStrict(cfg.Durability == config.Strict)

	mirror, err := snapshotstore.Build(cfg.Mirror, cfg.MirrorAddr)
	if err != nil {
		return nil, err
	}

	// snapshotstore.Store and durability.Mirror both reduce to
	// Offer([]byte); mirror satisfies the latter structurally.
	committer := durability.New(engine, mirror, cfg.SketchFile, cfg.Durability, *cfg.Atomicity)
	committer.SetCounters(meshstatsCounters{})
	engine.SetFlusher(committer)

	var srv *server.Server
	if cfg.EnableServer {
		srv = server.New(cfg.ServerAddr.String(), engine, meshstatsCounters{})
	}

	var client *gossip.Client
	var peers *transport.Peers
	if cfg.EnableClient {
		peers = transport.NewPeers(config.AntiEntropyTimeout)
		client = gossip.New(engine, peers, meshstatsCounters{}, cfg.ClientAddrs, config.AntiEntropyTimeout)
	}

	if cfg.MetricsAddr != "" {
		meshstats.Enable(cfg.MetricsAddr)
	}

	return &Coordinator{
		cfg:       cfg,
		engine:    engine,
		committer: committer,
		server:    srv,
		client:    client,
		peers:     peers,
		mirror:    mirror,
	}, nil
}

// Engine exposes the Sketch Engine for the ingest front-end to update.
func (c *Coordinator) Engine() *sketch.Engine { return c.engine }

// meshstatsCounters adapts the package-level meshstats functions to the
// small per-collaborator Counters interfaces (server.Counters,
// gossip.Counters, durability.Counters) without those packages importing
// meshstats directly.
type meshstatsCounters struct{}

func (meshstatsCounters) ObservePush(ok bool) { meshstats.ObservePush(ok) }
func (meshstatsCounters) ObservePull(ok bool) { meshstats.ObservePull(ok) }
func (meshstatsCounters) ObserveGossipRound(peer config.Peer, ok bool) {
	meshstats.ObserveGossipRound(peer, ok)
}
func (meshstatsCounters) ObserveFlush(d time.Duration, err error) { meshstats.ObserveFlush(d, err) }

// Start brings the Node up: loads any existing sketch file, installs signal
// handling, then starts the server, client, and (if DELAYED) the background
// committer, in that order. A duplicate Start on an already-started
// Coordinator is a logged warning, not an error, matching the reference
// implementation's per-thread "already running" guards.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		fmt.Println("node: Start called on an already-started coordinator; ignoring")
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.committer.LoadOnce(); err != nil {
		return err
	}

	c.installSignalHandling()

	if c.server != nil {
		if err := c.server.Start(); err != nil {
			return fmt.Errorf("node: starting server: %w", err)
		}
		<-c.server.Ready()
	}

	if c.client != nil {
		c.client.Start()
	}

	if c.cfg.Durability == config.Delayed {
		c.committer.Start()
	}

	return nil
}

// installSignalHandling is the self-pipe translation of the reference
// implementation's synchronous, re-entrant signal_handler: rather than
// running arbitrary Go code inside an OS signal frame (unsafe — Go signal
// delivery is asynchronous relative to the receiving goroutine's state), the
// signals are funneled through a channel to a dedicated goroutine. On
// receipt it performs the same "flush now if DELAYED" side effect the
// original did inline, then restores the default disposition for that
// signal and re-raises it to this process so the second, real delivery
// terminates the process normally — the same "handle once, then get out of
// the way" shape as signal.signal(sig, prev_handler); os.kill(...).
func (c *Coordinator) installSignalHandling() {
	c.sigChan = make(chan os.Signal, 1)
	c.sigDone = make(chan struct{})
	signal.Notify(c.sigChan,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT,
		syscall.SIGABRT, syscall.SIGTSTP, syscall.SIGPWR)

	go func() {
		for {
			select {
			case sig, ok := <-c.sigChan:
				if !ok {
					return
				}
				if c.cfg.Durability == config.Delayed {
					if _, err := c.committer.FlushOnce(); err != nil {
						fmt.Printf("node: signal-triggered flush failed: %v\n", err)
					}
				}
				signal.Stop(c.sigChan)
				sysSig, ok := sig.(syscall.Signal)
				if ok {
					syscall.Kill(syscall.Getpid(), sysSig)
				}
				return
			case <-c.sigDone:
				return
			}
		}
	}()
}

// Stop brings the Node down: server, then client, then committer, a final
// synchronous flush under DELAYED durability, then signal handlers are
// restored. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}

	if c.server != nil {
		c.server.Stop()
	}
	if c.client != nil {
		c.client.Stop()
	}
	if c.peers != nil {
		c.peers.Close()
	}
	if c.cfg.Durability == config.Delayed {
		c.committer.Stop()
		if _, err := c.committer.FlushOnce(); err != nil {
			fmt.Printf("node: final flush failed: %v\n", err)
		}
	}

	if c.sigDone != nil {
		close(c.sigDone)
		signal.Stop(c.sigChan)
	}
}
