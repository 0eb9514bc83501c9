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

// Package server implements the Anti-Entropy Server: the RPC-reachable side
// of gossip, handling incoming Push/Pull calls against the local Sketch
// Engine.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/thrift/lib/go/thrift"

	"analyticsmesh/internal/rpcgen/antientropy"
)

// Engine is the subset of the Sketch Engine the server needs to answer
// Push/Pull calls.
type Engine interface {
	MergeBytes(compact []byte) error
	SnapshotBytes() ([]byte, error)
}

// Counters is the subset of Mesh Telemetry the server reports into. A nil
// Counters is valid: every method is a no-op guarded at the call site.
type Counters interface {
	ObservePush(ok bool)
	ObservePull(ok bool)
}

// handler adapts the Sketch Engine to the antientropy.AntiEntropy interface.
// All serialization against the engine's own mutex happens inside
// MergeBytes/SnapshotBytes; the handler adds no locking of its own.
type handler struct {
	engine   Engine
	counters Counters
}

func (h *handler) Push(ctx context.Context, payload []byte) error {
	err := h.engine.MergeBytes(payload)
	if h.counters != nil {
		h.counters.ObservePush(err == nil)
	}
	if err != nil {
		return fmt.Errorf("server: push: %w", err)
	}
	return nil
}

func (h *handler) Pull(ctx context.Context) ([]byte, error) {
	snapshot, err := h.engine.SnapshotBytes()
	if h.counters != nil {
		h.counters.ObservePull(err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("server: pull: %w", err)
	}
	return snapshot, nil
}

// Server owns the listening socket and the TSimpleServer loop wrapping the
// generated AntiEntropy processor.
type Server struct {
	addr     string
	engine   Engine
	counters Counters

	mu       sync.Mutex
	inner    *thrift.TSimpleServer
	listener *thrift.TServerSocket

	ready chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Server bound to addr (host:port, "[::]:PORT" for
// all-interfaces). It does not listen until Start is called.
func New(addr string, engine Engine, counters Counters) *Server {
	return &Server{addr: addr, engine: engine, counters: counters, ready: make(chan struct{})}
}

// Start binds the listening socket synchronously (so a bind failure is
// reported to the caller immediately) and then serves in a background
// goroutine. Closing the ready channel only after the listener is bound
// fixes the reference implementation's own race, called out in its
// shutdown path, where a signal could ask the server to stop before it had
// finished constructing its socket.
func (s *Server) Start() error {
	cfg := &thrift.TConfiguration{}
	listener, err := thrift.NewTServerSocket(s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if err := listener.Listen(); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	processor := antientropy.NewAntiEntropyProcessor(&handler{engine: s.engine, counters: s.counters})
	transportFactory := thrift.NewTFramedTransportFactoryConf(thrift.NewTTransportFactory(), cfg)
	protocolFactory := thrift.NewTBinaryProtocolFactoryConf(cfg)
	inner := thrift.NewTSimpleServer4(processor, listener, transportFactory, protocolFactory)

	s.mu.Lock()
	s.inner = inner
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := inner.Serve(); err != nil {
			fmt.Printf("server: serve loop exited: %v\n", err)
		}
	}()
	close(s.ready)
	return nil
}

// Ready returns a channel that is closed once the listening socket is bound
// and the accept loop has been launched. The Node Coordinator waits on this
// before considering start complete, and Stop is a safe no-op if called
// before it closes.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener's address. Only meaningful after Ready has
// closed; used by tests to learn the chosen port when ":0" was requested.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the accept loop and waits for it to finish. Calling
// Stop before Start's socket has bound (ready not yet closed) is a no-op,
// matching the Node Coordinator's guard against stopping a server that was
// never fully started.
func (s *Server) Stop() {
	select {
	case <-s.ready:
	default:
		return
	}
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	if inner == nil {
		return
	}
	if err := inner.Stop(); err != nil {
		fmt.Printf("server: stop: %v\n", err)
	}
	s.wg.Wait()
}
