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

// Package meshstats provides opt-in, low-overhead Prometheus telemetry for
// the mesh: ingest volume, merge outcomes, gossip round success/failure per
// peer, flush latency, and the current cardinality estimate. Disabled by
// default; every public method is a no-op until Enable is called.
package meshstats

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"analyticsmesh/internal/config"
)

var enabled atomic.Bool

var (
	ingestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyticsmesh_ingests_total",
		Help: "Total items folded into the local sketch via Update",
	})
	pushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyticsmesh_server_pushes_total",
		Help: "Total inbound Push RPCs handled by the Anti-Entropy Server, by outcome",
	}, []string{"outcome"})
	pullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyticsmesh_server_pulls_total",
		Help: "Total inbound Pull RPCs handled by the Anti-Entropy Server, by outcome",
	}, []string{"outcome"})
	gossipRoundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyticsmesh_gossip_rounds_total",
		Help: "Total outbound push-pull exchanges attempted by the Anti-Entropy Client, by peer and outcome",
	}, []string{"peer", "outcome"})
	flushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyticsmesh_flush_latency_seconds",
		Help:    "Latency of Durability Committer flushes that actually performed I/O",
		Buckets: prometheus.DefBuckets,
	})
	flushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyticsmesh_flush_errors_total",
		Help: "Total Durability Committer flush failures",
	})
	currentEstimate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "analyticsmesh_current_estimate",
		Help: "Most recently observed cardinality estimate of the local sketch",
	})
)

func init() {
	prometheus.MustRegister(ingestsTotal, pushesTotal, pullsTotal, gossipRoundsTotal,
		flushLatency, flushErrorsTotal, currentEstimate)
}

// Enable turns telemetry on. addr, if non-empty, starts a dedicated HTTP
// server serving /metrics; leave it empty if metrics are scraped some other
// way.
func Enable(addr string) {
	enabled.Store(true)
	if addr != "" {
		startMetricsEndpoint(addr)
	}
}

// Enabled reports whether telemetry is active.
func Enabled() bool { return enabled.Load() }

func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("meshstats: metrics endpoint stopped: %v\n", err)
		}
	}()
}

// ObserveIngest counts one item folded into the local sketch.
func ObserveIngest() {
	if !enabled.Load() {
		return
	}
	ingestsTotal.Inc()
}

// ObservePush counts one inbound Push RPC by outcome. Satisfies
// server.Counters.
func ObservePush(ok bool) {
	if !enabled.Load() {
		return
	}
	pushesTotal.WithLabelValues(outcome(ok)).Inc()
}

// ObservePull counts one inbound Pull RPC by outcome. Satisfies
// server.Counters.
func ObservePull(ok bool) {
	if !enabled.Load() {
		return
	}
	pullsTotal.WithLabelValues(outcome(ok)).Inc()
}

// ObserveGossipRound counts one outbound push-pull exchange with peer by
// outcome. Satisfies gossip.Counters.
func ObserveGossipRound(peer config.Peer, ok bool) {
	if !enabled.Load() {
		return
	}
	gossipRoundsTotal.WithLabelValues(peer.String(), outcome(ok)).Inc()
}

// ObserveFlush records the latency of a flush that actually performed I/O,
// or counts a flush error.
func ObserveFlush(d time.Duration, err error) {
	if !enabled.Load() {
		return
	}
	if err != nil {
		flushErrorsTotal.Inc()
		return
	}
	flushLatency.Observe(d.Seconds())
}

// SetCurrentEstimate publishes the sketch's current cardinality estimate.
func SetCurrentEstimate(v uint64) {
	if !enabled.Load() {
		return
	}
	currentEstimate.Set(float64(v))
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
