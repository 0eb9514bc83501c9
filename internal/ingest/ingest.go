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

// Package ingest feeds items into the Sketch Engine from the demo CLI's own
// front door: stdin lines, and an optional synthetic generator standing in
// for an internal application data source. Neither is part of the mesh
// proper — the mesh only cares that something calls Engine.Update — but a
// runnable demo needs a front end, and the reference program's main loop
// reads stdin lines then free-runs on random floats forever.
package ingest

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"time"

	"analyticsmesh/pkg/sketch"
)

// Engine is the subset of the Sketch Engine ingest needs.
type Engine interface {
	Update(d sketch.Datum) error
}

// Counters is the subset of Mesh Telemetry ingest reports into. A nil
// Counters is valid.
type Counters interface {
	ObserveIngest()
}

// ReadLines folds one sketch.BytesDatum per line of r into engine, stopping
// at EOF or the first Update error. Matches the reference implementation's
// "for line in sys.stdin: am.update_sketch(line)" loop, line-ending trimmed.
func ReadLines(r io.Reader, engine Engine, counters Counters) error {
	scanner := bufio.NewScanner(r)
	// Lines of arbitrary external input may exceed bufio's default 64KiB
	// token limit, so it is raised to 1 MiB; a longer line ends the scan
	// with bufio.ErrTooLong.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := engine.Update(sketch.BytesDatum(scanner.Bytes())); err != nil {
			return err
		}
		if counters != nil {
			counters.ObserveIngest()
		}
	}
	return scanner.Err()
}

// RunSynthetic folds a random float64 into engine roughly once per tick,
// until ctx is canceled. Matches the reference implementation's "while
// True: am.update_sketch(random.random())" tail loop, standing in for a
// cardinality source fed by internal application activity rather than a
// literal busy loop (a paced tick instead of an unthrottled spin, so the
// demo doesn't peg a CPU core for no observational benefit).
func RunSynthetic(ctx context.Context, engine Engine, counters Counters, tick time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Update(sketch.FloatDatum(rng.Float64())); err != nil {
				return
			}
			if counters != nil {
				counters.ObserveIngest()
			}
		}
	}
}
