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

// Package durability implements the background committer that persists the
// sketch to a file, and the one-shot load performed at Node start.
package durability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"analyticsmesh/internal/config"
)

// CommitterInterval is the period of the background flush loop, named by
// the specification.
const CommitterInterval = config.CommitterInterval

// Engine is the subset of the Sketch Engine the committer needs. It is
// satisfied by *sketch.Engine; kept as an interface here to avoid a direct
// dependency from durability -> sketch beyond these four methods, matching
// the teacher's habit of depending on small local interfaces
// (core.Persister) rather than concrete package-to-package imports.
type Engine interface {
	SnapshotBytes() ([]byte, error)
	LoadBytes([]byte) error
	ClearDirtyIfUnchanged(snapshot []byte) (bool, error)
	Dirty() bool
}

// Mirror is the optional Snapshot Mirror fan-out target. A nil Mirror is a
// valid, fully-functional "no mirror configured" state.
type Mirror interface {
	Offer(compact []byte)
}

// Counters is the optional Mesh Telemetry collaborator. A nil Counters is a
// valid, fully-functional "telemetry disabled" state.
type Counters interface {
	ObserveFlush(d time.Duration, err error)
}

// IOError wraps a filesystem failure during load or flush.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("durability: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Committer owns the Durability Committer's state: the target file, the
// atomicity policy, and the background periodic-flush loop.
type Committer struct {
	engine     Engine
	mirror     Mirror
	counters   Counters
	path       string
	durability config.Durability
	atomic     bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// SetCounters installs the Mesh Telemetry collaborator used to record flush
// latency and failures. Optional; a Committer with no Counters set behaves
// identically, just without metrics.
func (c *Committer) SetCounters(counters Counters) {
	c.counters = counters
}

// New constructs a Committer. path may be empty only when durability is
// VOLATILE (enforced by config.Validate before this is ever called).
func New(engine Engine, mirror Mirror, path string, durability config.Durability, atomicWrites bool) *Committer {
	return &Committer{
		engine:     engine,
		mirror:     mirror,
		path:       path,
		durability: durability,
		atomic:     atomicWrites,
		stopChan:   make(chan struct{}),
	}
}

// LoadOnce is called once during Node start. If the sketch file exists, it
// is read and loaded into the engine. A missing file is not an error. Any
// other I/O failure is fatal (IOError).
func (c *Committer) LoadOnce() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Op: "load", Err: err}
	}
	if err := c.engine.LoadBytes(data); err != nil {
		return &IOError{Op: "load: decode", Err: err}
	}
	return nil
}

// FlushOnce is a no-op when durability is VOLATILE or the engine isn't
// dirty. Otherwise it writes the current compact serialization per the
// configured atomicity policy and clears dirty. Returns whether a flush was
// actually performed.
func (c *Committer) FlushOnce() (bool, error) {
	if c.durability == config.Volatile {
		return false, nil
	}
	if !c.engine.Dirty() {
		return false, nil
	}

	snapshot, err := c.engine.SnapshotBytes()
	if err != nil {
		return false, &IOError{Op: "flush: snapshot", Err: err}
	}

	start := time.Now()
	var ioErr error
	if c.atomic {
		ioErr = c.writeAtomic(snapshot)
	} else {
		ioErr = c.writeDirect(snapshot)
	}
	if c.counters != nil {
		c.counters.ObserveFlush(time.Since(start), ioErr)
	}
	if ioErr != nil {
		return false, ioErr
	}

	// Dirty clearing happens strictly after I/O succeeds, and only if no
	// intervening mutation occurred; a failed-to-clear case (concurrent
	// mutation) is not an error, just a retry signal for the next period.
	if _, err := c.engine.ClearDirtyIfUnchanged(snapshot); err != nil {
		return false, &IOError{Op: "flush: clear dirty", Err: err}
	}

	if c.mirror != nil {
		c.mirror.Offer(snapshot)
	}
	return true, nil
}

// writeAtomic implements the atomic replace protocol: temp file in the same
// directory, write, fsync, rename over target, fsync the containing
// directory. renameio.v2's PendingFile covers the temp file, the write, the
// fsync and the rename (CloseAtomicallyReplace); we drive it directly instead
// of the WriteFile convenience wrapper, then open and fsync the containing
// directory ourselves once the rename has succeeded.
func (c *Committer) writeAtomic(payload []byte) error {
	t, err := renameio.NewPendingFile(c.path, renameio.WithStaticPermissions(0o644))
	if err != nil {
		return &IOError{Op: "flush: create temp file", Err: err}
	}
	// Cleanup() best-effort removes the temp file if CloseAtomicallyReplace
	// was never reached (any failure below); an already-gone temp file is
	// not itself an error condition worth surfacing.
	defer t.Cleanup()

	if _, err := t.Write(payload); err != nil {
		return &IOError{Op: "flush: write temp file", Err: err}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return &IOError{Op: "flush: atomic replace", Err: err}
	}
	dir, err := os.Open(filepath.Dir(c.path))
	if err != nil {
		return &IOError{Op: "flush: open directory", Err: err}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &IOError{Op: "flush: fsync directory", Err: err}
	}
	return nil
}

// writeDirect implements the non-atomic protocol: open for overwrite,
// write, flush, fsync, close.
func (c *Committer) writeDirect(payload []byte) error {
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "flush: open", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return &IOError{Op: "flush: write", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Op: "flush: fsync", Err: err}
	}
	return nil
}

// RunPeriodic is the background loop: sleep CommitterInterval, flush, repeat
// until Stop is called. It is only meaningful for DELAYED durability; the
// Node Coordinator does not start it otherwise.
func (c *Committer) RunPeriodic() {
	ticker := time.NewTicker(CommitterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.FlushOnce(); err != nil {
				// A failed periodic flush is logged and retried next
				// period; dirty remains true so nothing is lost.
				fmt.Fprintf(os.Stderr, "durability: periodic flush failed: %v\n", err)
			}
		case <-c.stopChan:
			return
		}
	}
}

// Start launches the background periodic-flush goroutine.
func (c *Committer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RunPeriodic()
	}()
}

// Stop cooperatively stops the background loop and waits for it to exit.
// Idempotent: a duplicate Stop is a no-op.
func (c *Committer) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
}
