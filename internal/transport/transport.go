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

// Package transport is the Anti-Entropy Client's RPC peer dial/cache/invoke
// layer: lazily-connected, cached per (host, port), framed Thrift binary
// sockets, with best-effort and reliable invocation policies.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"analyticsmesh/internal/config"
	"analyticsmesh/internal/rpcgen/antientropy"
)

// TransportError reports a network failure talking to a peer.
type TransportError struct {
	Peer config.Peer
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Peer, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// peerConn bundles the socket, its framing transport, and the client bound
// to it. A closed peerConn is simply discarded from the cache; nothing
// reopens it in place.
type peerConn struct {
	socket    thrift.TTransport
	transport thrift.TTransport
	client    *antientropy.AntiEntropyClient
}

// Peers is the Anti-Entropy Client's view of the mesh: a lazily-populated,
// cache keyed by (host, port). Narrower than the key the reference
// implementation memoizes on (host, port, client class, timeout): this
// mesh has exactly one RPC client type and one timeout policy, so those two
// axes are dropped from the key entirely rather than carried as always-equal
// constants.
type Peers struct {
	mu      sync.Mutex
	conns   map[config.Peer]*peerConn
	timeout time.Duration
}

// NewPeers builds an empty peer cache. timeout bounds every individual RPC
// call (connect + invoke), per config.AntiEntropyTimeout.
func NewPeers(timeout time.Duration) *Peers {
	return &Peers{conns: make(map[config.Peer]*peerConn), timeout: timeout}
}

// getOrDial returns a cached connection or dials a new one, matching the
// reference implementation's lazy-open-on-first-use behavior: the socket is
// constructed, opened and cached here, on first actual call.
func (p *Peers) getOrDial(peer config.Peer) (*peerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[peer]; ok && c.transport.IsOpen() {
		return c, nil
	}

	cfg := &thrift.TConfiguration{
		ConnectTimeout: p.timeout,
		SocketTimeout:  p.timeout,
	}
	socket := thrift.NewTSocketConf(peer.String(), cfg)
	framed := thrift.NewTFramedTransportConf(socket, cfg)
	if err := framed.Open(); err != nil {
		return nil, &TransportError{Peer: peer, Op: "dial", Err: err}
	}
	protocol := thrift.NewTBinaryProtocolConf(framed, cfg)
	client := antientropy.NewAntiEntropyClient(protocol)

	c := &peerConn{socket: socket, transport: framed, client: client}
	p.conns[peer] = c
	return c, nil
}

// discard closes and evicts a connection believed to be broken, so the next
// call re-dials from scratch rather than retrying a half-dead socket.
func (p *Peers) discard(peer config.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[peer]; ok {
		c.transport.Close()
		delete(p.conns, peer)
	}
}

// Push sends payload to peer once, best-effort: on any transport failure the
// connection is discarded and the error is returned to the caller rather
// than retried, matching the Anti-Entropy Client's failure-isolation
// contract (one peer's outage must not block gossip with the others).
func (p *Peers) Push(ctx context.Context, peer config.Peer, payload []byte) error {
	conn, err := p.getOrDial(peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := conn.client.Push(ctx, payload); err != nil {
		p.discard(peer)
		return &TransportError{Peer: peer, Op: "push", Err: err}
	}
	return nil
}

// Pull fetches peer's compact sketch bytes once, best-effort (see Push).
func (p *Peers) Pull(ctx context.Context, peer config.Peer) ([]byte, error) {
	conn, err := p.getOrDial(peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, err := conn.client.Pull(ctx)
	if err != nil {
		p.discard(peer)
		return nil, &TransportError{Peer: peer, Op: "pull", Err: err}
	}
	return result, nil
}

// PushReliable is Push with infinite retry on transport failure, sleeping
// one second between attempts, matching the reference implementation's
// _invoke_reliable_broadcast. It gives up only when ctx is canceled.
func (p *Peers) PushReliable(ctx context.Context, peer config.Peer, payload []byte) error {
	for {
		err := p.Push(ctx, peer, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down every cached connection. Called once during Node
// shutdown.
func (p *Peers) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, c := range p.conns {
		c.transport.Close()
		delete(p.conns, peer)
	}
}
