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
// Package governor implements Resource Governor (C8) admission control:
// back-pressure decisions based on CPU/memory/running-job watermarks plus a
// cooldown between successive admissions.
package governor

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Decision is the Governor's admission verdict.
type Decision int

const (
	StartNow Decision = iota
	HoldQueue
)

func (d Decision) String() string {
	if d == StartNow {
		return "START_NOW"
	}
	return "HOLD_QUEUE"
}

// Policy configures the Governor's thresholds.
type Policy struct {
	CPUHighWaterPct float64
	MemHighWaterPct float64
	MaxRunningJobs  int
	Cooldown        time.Duration
}

// Verdict is the outcome of one Decide call.
type Verdict struct {
	Decision     Decision
	Reason       string
	RetryAfterMS int64
}

// Governor applies Policy against observed resource usage, layering a
// sliding-window cooldown limiter (catrate) under the watermark checks so
// admissions cannot be granted more often than Policy.Cooldown allows.
type Governor struct {
	policy  Policy
	limiter *catrate.Limiter
}

// New constructs a Governor for policy. A non-positive Cooldown disables
// the cooldown limiter entirely (every tick may admit, subject to
// watermarks only).
func New(policy Policy) *Governor {
	g := &Governor{policy: policy}
	if policy.Cooldown > 0 {
		g.limiter = catrate.NewLimiter(map[time.Duration]int{policy.Cooldown: 1})
	}
	return g
}

// Decide returns START_NOW or HOLD_QUEUE given current observed usage.
func (g *Governor) Decide(cpuPct, memPct float64, running, queued int) Verdict {
	if cpuPct >= g.policy.CPUHighWaterPct {
		return Verdict{Decision: HoldQueue, Reason: "cpu_high_water", RetryAfterMS: 1000}
	}
	if memPct >= g.policy.MemHighWaterPct {
		return Verdict{Decision: HoldQueue, Reason: "mem_high_water", RetryAfterMS: 1000}
	}
	if g.policy.MaxRunningJobs > 0 && running >= g.policy.MaxRunningJobs {
		return Verdict{Decision: HoldQueue, Reason: "max_running_jobs", RetryAfterMS: 1000}
	}

	if g.limiter != nil {
		next, ok := g.limiter.Allow("admission")
		if !ok {
			return Verdict{
				Decision:     HoldQueue,
				Reason:       "cooldown",
				RetryAfterMS: time.Until(next).Milliseconds(),
			}
		}
	}

	return Verdict{Decision: StartNow}
}
