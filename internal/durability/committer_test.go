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

package durability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"analyticsmesh/internal/config"
)

// fakeEngine is a minimal stand-in for *sketch.Engine used to exercise the
// committer in isolation.
type fakeEngine struct {
	bytes []byte
	dirty bool

	loaded []byte
}

func (f *fakeEngine) SnapshotBytes() ([]byte, error) { return f.bytes, nil }
func (f *fakeEngine) LoadBytes(b []byte) error       { f.loaded = b; return nil }
func (f *fakeEngine) Dirty() bool                    { return f.dirty }
func (f *fakeEngine) ClearDirtyIfUnchanged(snapshot []byte) (bool, error) {
	if string(snapshot) != string(f.bytes) {
		return false, nil
	}
	f.dirty = false
	return true, nil
}

type fakeMirror struct{ offered [][]byte }

func (m *fakeMirror) Offer(b []byte) { m.offered = append(m.offered, append([]byte(nil), b...)) }

func TestFlushOnce_VolatileIsNoop(t *testing.T) {
	eng := &fakeEngine{bytes: []byte("data"), dirty: true}
	c := New(eng, nil, "", config.Volatile, false)
	flushed, err := c.FlushOnce()
	if err != nil || flushed {
		t.Fatalf("volatile flush should be a no-op, got flushed=%v err=%v", flushed, err)
	}
	if !eng.dirty {
		t.Fatalf("volatile flush must not touch dirty")
	}
}

func TestFlushOnce_NotDirtyIsNoop(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{bytes: []byte("data"), dirty: false}
	c := New(eng, nil, filepath.Join(dir, "s.bin"), config.Delayed, true)
	flushed, err := c.FlushOnce()
	if err != nil || flushed {
		t.Fatalf("non-dirty flush should be a no-op, got flushed=%v err=%v", flushed, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s.bin")); !os.IsNotExist(err) {
		t.Fatalf("non-dirty flush must not perform any I/O")
	}
}

func TestFlushOnce_AtomicWritesAndClearsDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.bin")
	eng := &fakeEngine{bytes: []byte("payload-v1"), dirty: true}
	mirror := &fakeMirror{}
	c := New(eng, mirror, path, config.Delayed, true)

	flushed, err := c.FlushOnce()
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if !flushed {
		t.Fatalf("expected a flush to be performed")
	}
	if eng.dirty {
		t.Fatalf("expected dirty to be cleared after successful flush")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading flushed file: %v", err)
	}
	if string(got) != "payload-v1" {
		t.Fatalf("flushed file content = %q, want %q", got, "payload-v1")
	}
	if len(mirror.offered) != 1 || string(mirror.offered[0]) != "payload-v1" {
		t.Fatalf("expected mirror to be offered the flushed bytes, got %v", mirror.offered)
	}

	// No temp files should be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in dir after atomic flush, got %d", len(entries))
	}
}

func TestFlushOnce_NonAtomicWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.bin")
	eng := &fakeEngine{bytes: []byte("payload-v2"), dirty: true}
	c := New(eng, nil, path, config.Delayed, false)

	if _, err := c.FlushOnce(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload-v2" {
		t.Fatalf("flushed file content = %q, want %q", got, "payload-v2")
	}
}

func TestFlushOnce_ConcurrentMutationLeavesDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.bin")
	eng := &fakeEngine{bytes: []byte("stale"), dirty: true}
	c := New(eng, nil, path, config.Delayed, true)

	// Simulate a mutation occurring between snapshot and clear by changing
	// the engine's current bytes before ClearDirtyIfUnchanged is consulted.
	// We can't intercept mid-flush with this fake, so instead verify the
	// property directly: ClearDirtyIfUnchanged refuses to clear stale bytes.
	eng.bytes = []byte("fresh")
	cleared, err := eng.ClearDirtyIfUnchanged([]byte("stale"))
	if err != nil {
		t.Fatal(err)
	}
	if cleared {
		t.Fatalf("ClearDirtyIfUnchanged must not clear when bytes changed underneath it")
	}
	if !eng.dirty {
		t.Fatalf("dirty must remain true after a refused clear")
	}
	_ = c // committer unused further in this property check
}

func TestLoadOnce_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	c := New(eng, nil, filepath.Join(dir, "missing.bin"), config.Delayed, true)
	if err := c.LoadOnce(); err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
}

func TestLoadOnce_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.bin")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{}
	c := New(eng, nil, path, config.Delayed, true)
	if err := c.LoadOnce(); err != nil {
		t.Fatalf("LoadOnce failed: %v", err)
	}
	if string(eng.loaded) != "existing" {
		t.Fatalf("engine.loaded = %q, want %q", eng.loaded, "existing")
	}
}

type fakeCounters struct {
	observed int
	lastErr  error
}

func (f *fakeCounters) ObserveFlush(_ time.Duration, err error) {
	f.observed++
	f.lastErr = err
}

func TestFlushOnce_ReportsLatencyToCounters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.bin")
	eng := &fakeEngine{bytes: []byte("payload-v3"), dirty: true}
	counters := &fakeCounters{}
	c := New(eng, nil, path, config.Delayed, true)
	c.SetCounters(counters)

	if _, err := c.FlushOnce(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if counters.observed != 1 || counters.lastErr != nil {
		t.Fatalf("counters = %+v, want one successful observation", counters)
	}
}

func TestStop_Idempotent(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, nil, "", config.Volatile, false)
	c.Start()
	c.Stop()
	c.Stop() // must not panic or block
}
