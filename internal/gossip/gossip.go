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

// Package gossip implements the Anti-Entropy Client: the periodic loop that
// samples peers and runs a push-pull exchange against each.
package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"analyticsmesh/internal/config"
)

// Engine is the subset of the Sketch Engine the client needs.
type Engine interface {
	SnapshotBytes() ([]byte, error)
	MergeBytes(compact []byte) error
}

// Peers is the RPC invocation surface the client pushes/pulls through.
// Satisfied by *transport.Peers.
type Peers interface {
	Push(ctx context.Context, peer config.Peer, payload []byte) error
	Pull(ctx context.Context, peer config.Peer) ([]byte, error)
}

// Counters is the subset of Mesh Telemetry the client reports gossip round
// outcomes into. A nil Counters is valid.
type Counters interface {
	ObserveGossipRound(peer config.Peer, ok bool)
}

// Client owns the periodic gossip loop: sample up to
// config.AntiEntropyMaxPeers peers without replacement every
// config.AntiEntropyInterval, push-pull with each, one failure never
// aborting the round for the others.
type Client struct {
	engine   Engine
	peers    Peers
	counters Counters
	addrs    []config.Peer
	timeout  time.Duration
	rng      *rand.Rand

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New constructs a Client. addrs is the full configured peer set; each round
// samples a subset of it.
func New(engine Engine, peers Peers, counters Counters, addrs []config.Peer, timeout time.Duration) *Client {
	return &Client{
		engine:   engine,
		peers:    peers,
		counters: counters,
		addrs:    addrs,
		timeout:  timeout,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background periodic gossip goroutine.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runPeriodic()
	}()
}

// Stop cooperatively stops the loop and waits for the in-flight round, if
// any, to finish. Idempotent.
func (c *Client) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}

func (c *Client) runPeriodic() {
	ticker := time.NewTicker(config.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runRound()
		case <-c.stopChan:
			return
		}
	}
}

// runRound samples min(len(addrs), AntiEntropyMaxPeers) distinct peers and
// runs a push-pull against each, in sequence (the reference implementation's
// single client thread does the same: one round is a serial sweep of the
// sampled peers, not a fan-out).
func (c *Client) runRound() {
	sample := c.samplePeers()
	for _, peer := range sample {
		ok := c.tryPushPull(peer)
		if c.counters != nil {
			c.counters.ObserveGossipRound(peer, ok)
		}
	}
}

func (c *Client) samplePeers() []config.Peer {
	n := len(c.addrs)
	k := config.AntiEntropyMaxPeers
	if k > n {
		k = n
	}
	perm := c.rng.Perm(n)
	out := make([]config.Peer, k)
	for i := 0; i < k; i++ {
		out[i] = c.addrs[perm[i]]
	}
	return out
}

// tryPushPull runs one push-pull exchange and reports whether it succeeded.
// A transport failure is isolated to this peer: it is logged and swallowed
// so the round continues with the remaining sampled peers.
func (c *Client) tryPushPull(peer config.Peer) bool {
	if err := c.pushPull(peer); err != nil {
		fmt.Printf("gossip: anti-entropy with %s failed: %v\n", peer, err)
		return false
	}
	return true
}

func (c *Client) pushPull(peer config.Peer) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	local, err := c.engine.SnapshotBytes()
	if err != nil {
		return fmt.Errorf("snapshot before push: %w", err)
	}
	if err := c.peers.Push(ctx, peer, local); err != nil {
		return err
	}
	remote, err := c.peers.Pull(ctx, peer)
	if err != nil {
		return err
	}
	if err := c.engine.MergeBytes(remote); err != nil {
		return fmt.Errorf("merge pulled sketch: %w", err)
	}
	return nil
}
