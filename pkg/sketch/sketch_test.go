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

package sketch

import (
	"fmt"
	"testing"
)

func fill(e *Engine, prefix string, n int) {
	for i := 0; i < n; i++ {
		_ = e.Update(BytesDatum([]byte(fmt.Sprintf("%s-%d", prefix, i))))
	}
}

// TestMergeCommutativity checks merge(A, B) == merge(B, A) on compact bytes.
func TestMergeCommutativity(t *testing.T) {
	a := New()
	fill(a, "a", 200)
	b := New()
	fill(b, "b", 200)

	ab := New()
	if err := ab.MergeIn(a); err != nil {
		t.Fatalf("merge a: %v", err)
	}
	if err := ab.MergeIn(b); err != nil {
		t.Fatalf("merge b: %v", err)
	}

	ba := New()
	if err := ba.MergeIn(b); err != nil {
		t.Fatalf("merge b: %v", err)
	}
	if err := ba.MergeIn(a); err != nil {
		t.Fatalf("merge a: %v", err)
	}

	abBytes, err := ab.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	baBytes, err := ba.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(abBytes, baBytes) {
		t.Fatalf("merge(A,B) != merge(B,A)")
	}
}

// TestMergeIdempotence checks merge(A, A) == A.
func TestMergeIdempotence(t *testing.T) {
	a := New()
	fill(a, "x", 150)
	before, err := a.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}

	clone := New()
	if err := clone.LoadBytes(before); err != nil {
		t.Fatal(err)
	}
	if err := a.MergeIn(clone); err != nil {
		t.Fatalf("merge self: %v", err)
	}
	after, err := a.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(before, after) {
		t.Fatalf("merge(A,A) != A")
	}
}

// TestRoundTrip checks deserialize(serialize(A)) == A.
func TestRoundTrip(t *testing.T) {
	a := New()
	fill(a, "r", 500)
	encoded, err := a.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}

	b := New()
	if err := b.LoadBytes(encoded); err != nil {
		t.Fatal(err)
	}
	decoded, err := b.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(encoded, decoded) {
		t.Fatalf("round-trip mismatch")
	}
}

// TestDirtyDiscipline checks that Update sets dirty, LoadBytes does not, and
// merging in an equal sketch leaves dirty unchanged.
func TestDirtyDiscipline(t *testing.T) {
	e := New()
	if e.Dirty() {
		t.Fatalf("new engine should not be dirty")
	}
	if err := e.Update(IntDatum(1)); err != nil {
		t.Fatal(err)
	}
	if !e.Dirty() {
		t.Fatalf("update should set dirty")
	}

	snapshot, err := e.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	cleared, err := e.ClearDirtyIfUnchanged(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if !cleared || e.Dirty() {
		t.Fatalf("ClearDirtyIfUnchanged should clear when unchanged")
	}

	fresh := New()
	if err := fresh.LoadBytes(snapshot); err != nil {
		t.Fatal(err)
	}
	if fresh.Dirty() {
		t.Fatalf("LoadBytes must not set dirty")
	}

	// merging in an identical sketch must not reopen dirty.
	same := New()
	if err := same.LoadBytes(snapshot); err != nil {
		t.Fatal(err)
	}
	if err := e.MergeIn(same); err != nil {
		t.Fatal(err)
	}
	if e.Dirty() {
		t.Fatalf("merging an equal sketch must not set dirty")
	}
}

// TestTypedDatumDistinctness checks int/float/bytes encodings of "the same"
// value are treated as distinct items.
func TestTypedDatumDistinctness(t *testing.T) {
	e := New()
	_ = e.Update(IntDatum(1))
	_ = e.Update(FloatDatum(1))
	_ = e.Update(BytesDatum([]byte("1")))
	if got := e.Estimate(); got < 3 {
		t.Fatalf("expected ~3 distinct items across types, got estimate %d", got)
	}
}

// TestCorruptSketchPreservesState checks that a failed LoadBytes does not
// clobber existing state.
func TestCorruptSketchPreservesState(t *testing.T) {
	e := New()
	_ = e.Update(IntDatum(42))
	before, err := e.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}

	err = e.LoadBytes([]byte("not a sketch"))
	var corrupt *CorruptSketch
	if err == nil {
		t.Fatalf("expected CorruptSketch error")
	}
	if !asCorrupt(err, &corrupt) {
		t.Fatalf("expected *CorruptSketch, got %T: %v", err, err)
	}

	after, err := e.SnapshotBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(before, after) {
		t.Fatalf("failed LoadBytes must not mutate existing state")
	}
}

func asCorrupt(err error, target **CorruptSketch) bool {
	c, ok := err.(*CorruptSketch)
	if ok {
		*target = c
	}
	return ok
}
