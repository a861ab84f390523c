// Copyright 2026 heidi-engine contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later
// Package metrics exposes the trust kernel's optional Prometheus endpoint:
// stage transitions, gate promotions/drops, and governor hold decisions, all
// labeled by run_id so a multi-run host can scrape one /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heidi_stage_transitions_total",
		Help: "Count of orchestrator stage transitions by run and resulting stage.",
	}, []string{"run_id", "stage"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heidi_stage_duration_seconds",
		Help:    "Wall-clock duration of each stage invocation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"run_id", "stage"})

	RecordsPromoted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heidi_gate_records_promoted_total",
		Help: "Count of records promoted from pending/ to verified/.",
	}, []string{"run_id"})

	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heidi_gate_records_dropped_total",
		Help: "Count of records dropped by the gate, labeled by reason.",
	}, []string{"run_id", "reason"})

	GovernorHolds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heidi_governor_holds_total",
		Help: "Count of HOLD_QUEUE verdicts from the resource governor, labeled by reason.",
	}, []string{"run_id", "reason"})
)

func init() {
	prometheus.MustRegister(StageTransitions, StageDuration, RecordsPromoted, RecordsDropped, GovernorHolds)
}

// Handler returns the promhttp handler for mounting on a metrics server.
func Handler() http.Handler {
	return promhttp.Handler()
}
