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
// Package kernel assembles the trust kernel's components into a single
// explicit RunContext, replacing the module-global state of the original
// implementation: clock, journal, status writer, governor, and gate are all
// constructed once and threaded through the Orchestrator and Control
// Surface, with no hidden singletons.
package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/heidi-engine/heidi-engine/internal/clock"
	"github.com/heidi-engine/heidi-engine/internal/config"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/gate"
	"github.com/heidi-engine/heidi-engine/internal/governor"
	"github.com/heidi-engine/heidi-engine/internal/journal"
	"github.com/heidi-engine/heidi-engine/internal/orchestrator"
	"github.com/heidi-engine/heidi-engine/internal/pathguard"
	"github.com/heidi-engine/heidi-engine/internal/redact"
)

// RunContext is the fully-wired set of components for one run. No
// component reaches for process-global state; everything it needs is a
// field here.
type RunContext struct {
	RunID   string
	RunRoot string
	Clock   clock.Clock
	Journal *journal.Logger
	Gate    *gate.Gate
	Governor *governor.Governor
	Orchestrator *orchestrator.Orchestrator
	Log     zerolog.Logger
}

// New constructs a RunContext from cfg. It sanitizes run_id, creates the
// run root's fixed layout (events.jsonl, state.json, pending/, verified/,
// actions/), opens the journal, and wires the Governor and Gate.
func New(cfg config.Config) (*RunContext, error) {
	runID := cfg.RunID
	if runID == "" {
		runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	safeRunID, err := pathguard.SanitizeIdentifier(runID)
	if err != nil {
		return nil, err
	}

	outDir := cfg.OutDir
	if outDir == "" {
		outDir = "."
	}
	runRoot := filepath.Join(outDir, safeRunID)
	if _, err := os.Stat(runRoot); err == nil {
		return nil, kerrors.NewInternalError("create run", fmt.Sprintf("run root %q already exists; run_id collisions are a hard error", runRoot), "choose a different RUN_ID", nil)
	}
	for _, sub := range []string{"", "pending", "verified", "actions"} {
		if err := os.MkdirAll(filepath.Join(runRoot, sub), 0o700); err != nil {
			return nil, kerrors.NewInternalError("create run", err.Error(), "", err)
		}
	}

	jrnl, err := journal.Open(filepath.Join(runRoot, "events.jsonl"), safeRunID)
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(redactingWriter{os.Stderr}).With().
		Timestamp().
		Str("run_id", safeRunID).
		Logger()

	gov := governor.New(governor.Policy{
		CPUHighWaterPct: cfg.Guardrail.MaxCPUPct,
		MemHighWaterPct: cfg.Guardrail.MaxMemPct,
		MaxRunningJobs:  cfg.Guardrail.MaxRunningJobs,
		Cooldown:        cfg.Guardrail.CooldownDuration(),
	})

	signKey := []byte(cfg.SigningKey)
	g := gate.New(runRoot, signKey, "default")

	clk := clock.Real{}

	orchCfg := orchestrator.Config{
		RunID:             safeRunID,
		RunRoot:           runRoot,
		Rounds:            cfg.Rounds,
		Mode:              orchestrator.ModeFull,
		UnitTestsEnabled:  cfg.UnitTestsEnabled,
		StageTimeout:      300 * time.Second,
		CumulativeWallCap: time.Duration(cfg.Guardrail.MaxWallTimeMinutes) * time.Minute,
		MockSubprocesses:  cfg.MockSubprocesses,
		DoctorCheckArgv:   cfg.DoctorCheckArgv,
		SigningKey:        cfg.SigningKey,
		SigningKeyPresent: cfg.SigningKey != "",
		KeystorePresent:   cfg.KeystorePath != "",
		Governor:          gov,
	}
	orch := orchestrator.New(orchCfg, clk, jrnl, g)

	return &RunContext{
		RunID:        safeRunID,
		RunRoot:      runRoot,
		Clock:        clk,
		Journal:      jrnl,
		Gate:         g,
		Governor:     gov,
		Orchestrator: orch,
		Log:          logger,
	}, nil
}

// Close releases the journal's advisory lock and flushes it to disk.
func (rc *RunContext) Close() error {
	return rc.Journal.Close()
}

// redactingWriter passes every log line through the Redactor before it
// reaches stderr, so a secret that makes it into a log field never leaves
// the process unredacted.
type redactingWriter struct {
	out *os.File
}

func (w redactingWriter) Write(p []byte) (int, error) {
	scrubbed := redact.Scrub(string(p))
	n, err := w.out.WriteString(scrubbed.Text)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
