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

// Package sketch owns the mesh's probabilistic cardinality estimator. It is
// the only component permitted to mutate the HyperLogLog value or its dirty
// flag; every read and write goes through a single critical section so that
// no merge ever interleaves with another merge or with a snapshot.
package sketch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// LogK is the precision constant named by the specification. The underlying
// HLL library (axiomhq/hyperloglog) only accepts a precision in [4, 18]; this
// engine clamps to that ceiling (effectivePrecision) while keeping LogK as
// the documented, spec-facing constant. See DESIGN.md for the rationale —
// this only affects estimator error bounds, never union/dirty correctness.
const LogK = 21

// effectivePrecision is the actual precision handed to the HLL library.
const effectivePrecision = 18

// CorruptSketch is returned when deserialization of a compact byte string
// fails. It must never clobber the engine's existing state.
type CorruptSketch struct {
	Err error
}

func (e *CorruptSketch) Error() string {
	return fmt.Sprintf("corrupt sketch: %v", e.Err)
}

func (e *CorruptSketch) Unwrap() error { return e.Err }

// Flusher is the synchronous-commit collaborator used under STRICT
// durability. The engine never imports the durability package directly
// (that would create an import cycle); the Node Coordinator wires a
// concrete Flusher in after construction via SetFlusher.
type Flusher interface {
	FlushOnce() (bool, error)
}

// Kind tags the type of a Datum so distinct encodings of "the same bytes"
// (e.g. int64(1), float64(1), "1") hash as distinct items, matching the
// per-type hashing behavior of the library the spec's sketch is modeled on.
type Kind uint8

const (
	kindInt Kind = iota
	kindFloat
	kindBytes
)

// Datum is a tagged update input: integer, float, or byte-string. It
// resolves the specification's "Open Question" about int/float/str update
// dispatch for a statically typed target.
type Datum struct {
	kind  Kind
	i     int64
	f     float64
	bytes []byte
}

// IntDatum wraps an integer item.
func IntDatum(v int64) Datum { return Datum{kind: kindInt, i: v} }

// FloatDatum wraps a floating-point item.
func FloatDatum(v float64) Datum { return Datum{kind: kindFloat, f: v} }

// BytesDatum wraps a byte-string item. BytesDatum is also how a string item
// is represented; callers pass []byte(s).
func BytesDatum(v []byte) Datum { return Datum{kind: kindBytes, bytes: v} }

// canonicalBytes returns the byte encoding that is actually hashed into the
// sketch: a one-byte type tag followed by the type's natural encoding.
func (d Datum) canonicalBytes() []byte {
	switch d.kind {
	case kindInt:
		buf := make([]byte, 9)
		buf[0] = byte(kindInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(d.i))
		return buf
	case kindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(kindFloat)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(d.f))
		return buf
	default:
		buf := make([]byte, 1+len(d.bytes))
		buf[0] = byte(kindBytes)
		copy(buf[1:], d.bytes)
		return buf
	}
}

// Engine is the Sketch Engine: it owns the HLL value and the dirty flag
// behind a single mutex, and is the only writer of either.
type Engine struct {
	mu      sync.Mutex
	hll     *hyperloglog.Sketch
	dirty   bool
	flusher Flusher
	strict  bool
}

// New creates an empty Engine.
func New() *Engine {
	s, err := hyperloglog.NewSketch(effectivePrecision, false)
	if err != nil {
		// effectivePrecision is a compile-time constant within the
		// library's documented valid range; a construction failure here
		// would be a programming error, not a runtime condition callers
		// can recover from.
		panic(fmt.Sprintf("sketch: invalid precision %d: %v", effectivePrecision, err))
	}
	return &Engine{hll: s}
}

// SetFlusher installs the committer used for synchronous STRICT-durability
// flushes. Must be called once while the Node Coordinator is constructed,
// before any ingest or inbound merge can occur.
func (e *Engine) SetFlusher(f Flusher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flusher = f
}

// SetStrict configures whether Update/MergeIn/MergeBytes synchronously flush
// via the installed Flusher before returning. The Node Coordinator sets this
// once at construction, from the configured durability level; the engine itself
// holds no opinion about durability policy beyond "flush now or don't".
func (e *Engine) SetStrict(strict bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strict = strict
}

// Update folds one item into the sketch and sets dirty = true. Under STRICT
// durability (see SetStrict), this synchronously flushes before returning;
// the update is considered committed only once that flush reports success.
func (e *Engine) Update(d Datum) error {
	e.mu.Lock()
	e.hll.Insert(d.canonicalBytes())
	e.dirty = true
	flusher, strict := e.flusher, e.strict
	e.mu.Unlock()

	if strict && flusher != nil {
		if _, err := flusher.FlushOnce(); err != nil {
			return fmt.Errorf("strict commit after update: %w", err)
		}
	}
	return nil
}

// MergeIn computes the union of the local sketch with an inbound one
// (already deserialized by the caller) and replaces the local sketch with
// the result. Dirty is set to (old_dirty OR the union's compact
// serialization differs from the local one's) — compared on compact bytes,
// never in-memory representations, since distinct in-memory states can
// encode the same logical sketch. Under STRICT durability, synchronously
// flushes exactly like Update.
func (e *Engine) MergeIn(other *Engine) error {
	other.mu.Lock()
	otherClone := other.hll.Clone()
	other.mu.Unlock()
	return e.mergeClone(otherClone)
}

// MergeBytes deserializes inbound compact bytes and merges them in. It is
// the entry point used by the Anti-Entropy Server/Client, which only ever
// see wire bytes, not a peer's live Engine.
func (e *Engine) MergeBytes(compact []byte) error {
	inbound, err := decode(compact)
	if err != nil {
		return &CorruptSketch{Err: err}
	}
	return e.mergeClone(inbound)
}

func (e *Engine) mergeClone(inbound *hyperloglog.Sketch) error {
	e.mu.Lock()
	before, err := e.hll.MarshalBinary()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("snapshot local for merge comparison: %w", err)
	}

	union := e.hll.Clone()
	if err := union.Merge(inbound); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("union sketches: %w", err)
	}
	after, err := union.MarshalBinary()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("snapshot union for merge comparison: %w", err)
	}

	changed := !bytesEqual(before, after)
	e.hll = union
	e.dirty = e.dirty || changed
	flusher, strict := e.flusher, e.strict
	e.mu.Unlock()

	if strict && flusher != nil {
		if _, err := flusher.FlushOnce(); err != nil {
			return fmt.Errorf("strict commit after merge: %w", err)
		}
	}
	return nil
}

// SnapshotBytes returns the compact serialization of the current sketch, for
// outbound RPC or commit to stable storage.
func (e *Engine) SnapshotBytes() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hll.MarshalBinary()
}

// LoadBytes replaces the sketch with the deserialization of compact. It does
// NOT set dirty: this is recovery from disk, not a mutation that needs
// committing. On malformed bytes it returns CorruptSketch and leaves the
// existing sketch untouched.
func (e *Engine) LoadBytes(compact []byte) error {
	decoded, err := decode(compact)
	if err != nil {
		return &CorruptSketch{Err: err}
	}
	e.mu.Lock()
	e.hll = decoded
	e.mu.Unlock()
	return nil
}

// Estimate returns the current cardinality estimate. Read-only: it never
// mutates dirty.
func (e *Engine) Estimate() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hll.Estimate()
}

// Dirty reports the current value of the dirty flag.
func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// ClearDirtyIfUnchanged clears dirty, but only if snapshot still matches the
// live sketch's current compact bytes (no mutation occurred between the
// committer's snapshot and this call). It is used by the Durability
// Committer after a successful flush; the committer takes the critical
// section only long enough to call SnapshotBytes, does I/O outside the
// lock, and then calls this to clear dirty conditionally. Returns whether
// dirty was actually cleared.
func (e *Engine) ClearDirtyIfUnchanged(snapshot []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.hll.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("snapshot for dirty-clear comparison: %w", err)
	}
	if !bytesEqual(current, snapshot) {
		// A mutation occurred between snapshot and clear; the just-written
		// bytes are stale but not corrupt. Leave dirty set so the next
		// flush retries with fresh bytes.
		return false, nil
	}
	e.dirty = false
	return true, nil
}

func decode(compact []byte) (*hyperloglog.Sketch, error) {
	if len(compact) == 0 {
		return nil, errors.New("empty compact sketch payload")
	}
	s, err := hyperloglog.NewSketch(effectivePrecision, false)
	if err != nil {
		return nil, err
	}
	if err := s.UnmarshalBinary(compact); err != nil {
		return nil, err
	}
	return s, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
