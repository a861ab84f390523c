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
// Package orchestrator implements the Orchestrator Core (C10): the
// per-round state machine that drives stage progression, consults the
// Gatekeeper and Resource Governor, delegates stage work to the Subprocess
// Supervisor, and promotes records through the Dataset Gate.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/heidi-engine/heidi-engine/internal/clock"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/gate"
	"github.com/heidi-engine/heidi-engine/internal/governor"
	"github.com/heidi-engine/heidi-engine/internal/journal"
	"github.com/heidi-engine/heidi-engine/internal/metrics"
	"github.com/heidi-engine/heidi-engine/internal/status"
	"github.com/heidi-engine/heidi-engine/internal/supervisor"
)

// Status is one of the fixed orchestrator states.
type State string

const (
	IDLE       State = "IDLE"
	COLLECTING State = "COLLECTING"
	VALIDATING State = "VALIDATING"
	TESTING    State = "TESTING"
	FINALIZING State = "FINALIZING"
	EVALUATING State = "EVALUATING"
	PAUSED     State = "PAUSED"
	ERROR      State = "ERROR"
	COMPLETED  State = "COMPLETED"
)

// Mode selects the per-round transition graph.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeCollect Mode = "collect"
)

// Config configures one orchestrator run.
type Config struct {
	RunID             string
	RunRoot           string
	Rounds            int
	Mode              Mode
	UnitTestsEnabled  bool
	StageTimeout      time.Duration
	CumulativeWallCap time.Duration
	MockSubprocesses  bool
	DoctorCheckArgv   []string
	SigningKey        string
	SigningKeyPresent bool
	KeystorePresent   bool
	Governor          *governor.Governor
}

// Orchestrator drives one run's state machine. It is the single writer of
// the journal, status snapshot, and verified/ directory for its run. It
// also owns the Dataset Gate's raw -> clean -> verified handoff: the
// Orchestrator decides *when* a stage crosses the gate, the Gate decides
// *whether* a record survives it.
type Orchestrator struct {
	cfg     Config
	clock   clock.Clock
	journal *journal.Logger
	gate    *gate.Gate

	state      State
	round      int
	stage      string
	stopFlag   bool
	pauseFlag  bool
	started    time.Time
	cumulative time.Duration
	eventCount int

	cleanRecords  []gate.Record
	stageCounters map[string]int
}

// New constructs an Orchestrator for cfg, opening its journal.
func New(cfg Config, clk clock.Clock, j *journal.Logger, g *gate.Gate) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		clock:         clk,
		journal:       j,
		gate:          g,
		state:         IDLE,
		stage:         "initializing",
		stageCounters: map[string]int{},
	}
}

func (o *Orchestrator) statusPath() string { return filepath.Join(o.cfg.RunRoot, "state.json") }

func (o *Orchestrator) emit(round int, stage, level, eventType, message string, counters, usage map[string]int, artifacts []string) error {
	_, err := o.journal.Append(journal.Event{
		TS:            o.clock.NowISO8601(),
		Round:         round,
		Stage:         stage,
		Level:         level,
		EventType:     eventType,
		Message:       message,
		CountersDelta: counters,
		UsageDelta:    usage,
		ArtifactPaths: artifacts,
	})
	if err == nil {
		o.eventCount++
	}
	return err
}

func (o *Orchestrator) publishStatus() error {
	return status.Write(o.statusPath(), status.Snapshot{
		RunID:        o.cfg.RunID,
		Status:       string(o.state),
		CurrentRound: o.round,
		CurrentStage: o.stage,
		Mode:         string(o.cfg.Mode),
		LastUpdate:   o.clock.NowISO8601(),
	})
}

// Start runs the Gatekeeper. For "real" mode it requires the Governor,
// signing key/keystore, and an external doctor check to all succeed;
// otherwise it refuses and drops the run to ERROR. Any other mode proceeds
// directly, still emitting pipeline_start.
func (o *Orchestrator) Start(ctx context.Context, realMode bool) error {
	o.started = o.clock.Now()

	if realMode {
		if o.cfg.Governor == nil {
			return o.refuse("gatekeeper: governor not initialized")
		}
		if !o.cfg.SigningKeyPresent || !o.cfg.KeystorePresent {
			return o.refuse("gatekeeper: signing key or keystore missing")
		}
		if len(o.cfg.DoctorCheckArgv) > 0 {
			res, err := supervisor.Run(ctx, supervisor.Options{
				Argv:    o.cfg.DoctorCheckArgv,
				Timeout: 30 * time.Second,
				Mock:    o.cfg.MockSubprocesses,
			})
			if err != nil || res.ExitCode != 0 {
				return o.refuse("gatekeeper: doctor check failed")
			}
		}
		_ = o.emit(0, "pipeline", "info", "gatekeeper_passed", "gatekeeper passed for real mode", nil, nil, nil)
	}

	o.state = COLLECTING
	o.stage = "generate"
	if err := o.emit(0, "pipeline", "info", "pipeline_start", fmt.Sprintf("pipeline starting: mode=%s rounds=%d", o.cfg.Mode, o.cfg.Rounds), nil, nil, nil); err != nil {
		return err
	}
	return o.publishStatus()
}

func (o *Orchestrator) refuse(msg string) error {
	o.state = ERROR
	_ = o.emit(0, "pipeline", "critical", "gatekeeper_failed", msg, nil, nil, nil)
	_ = o.publishStatus()
	return kerrors.New(kerrors.GatekeeperRefused, "start", msg, nil)
}

// RequestStop sets the stop flag, observed at the next stage boundary.
func (o *Orchestrator) RequestStop() { o.stopFlag = true }

// RequestPause sets the pause flag, observed at the next stage boundary.
func (o *Orchestrator) RequestPause() { o.pauseFlag = true }

// Resume clears the pause flag.
func (o *Orchestrator) Resume() { o.pauseFlag = false }

// TrainNow signals that FINALIZING should run at the next boundary in
// collect mode. The actual promote/sign/guard work happens inside
// runStage when the "train" stage is reached, not here.
func (o *Orchestrator) TrainNow(ctx context.Context) error {
	if err := o.emit(o.round, "pipeline", "info", "train_now_trigger", "train-now latch observed", nil, nil, nil); err != nil {
		return err
	}
	o.state = FINALIZING
	o.stage = "train"
	return o.publishStatus()
}

// Shutdown sets the stop flag, emits pipeline_stop, and publishes an
// IDLE/interrupted status. It never writes verified/ or the manifest
// directly; that remains the Gate's responsibility.
func (o *Orchestrator) Shutdown() error {
	o.stopFlag = true
	if err := o.emit(o.round, "pipeline", "warn", "pipeline_stop", "shutdown requested", nil, nil, nil); err != nil {
		return err
	}
	o.state = IDLE
	o.stage = "interrupted"
	return o.publishStatus()
}

// Tick executes exactly one stage transition. It checks stop/pause at the
// boundary before doing any work, so a boundary-observed stop always wins
// over starting new work.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if o.state == ERROR || o.state == COMPLETED {
		return kerrors.NewInternalError("tick", fmt.Sprintf("orchestrator is terminal (%s)", o.state), "", nil)
	}
	if o.stopFlag {
		if o.state == IDLE && o.stage == "interrupted" {
			return nil // Shutdown already ran; stopFlag stays set for good.
		}
		return o.Shutdown()
	}
	if o.pauseFlag {
		o.state = PAUSED
		return o.publishStatus()
	}
	if o.cfg.CumulativeWallCap > 0 && o.cumulative > o.cfg.CumulativeWallCap {
		return o.fail(kerrors.New(kerrors.GuardrailExceeded, "tick", "cumulative wall-time budget exceeded", nil))
	}
	if o.stage == "idle" {
		// Collect-mode wait for a train_now latch: TrainNow drives the next
		// transition directly, so a plain Tick is a no-op. "idle" is not a
		// journaled stage value, so it must never reach emit/runStage.
		return nil
	}

	next, nextStage := o.nextTransition()

	if o.cfg.Governor != nil {
		if err := o.awaitAdmission(); err != nil {
			return err
		}
	}

	if err := o.emit(o.round, o.stage, "info", "stage_start", fmt.Sprintf("stage %s starting", o.stage), nil, nil, nil); err != nil {
		return err
	}

	before := o.clock.Now()
	failErr := o.runStage(ctx, o.stage)
	elapsed := o.clock.Now().Sub(before)
	o.cumulative += elapsed
	metrics.StageDuration.WithLabelValues(o.cfg.RunID, o.stage).Observe(elapsed.Seconds())

	usage := map[string]int{"elapsed_ms": int(elapsed.Milliseconds())}
	if failErr != nil {
		if o.stage == string(EVALUATING) || o.stage == "eval" {
			_ = o.emit(o.round, o.stage, "warn", "stage_end", "eval stage failed, continuing", nil, usage, nil)
		} else {
			return o.fail(failErr)
		}
	} else {
		if err := o.emit(o.round, o.stage, "info", "stage_end", fmt.Sprintf("stage %s complete", o.stage), o.stageCounters, usage, nil); err != nil {
			return err
		}
	}

	o.state = next
	o.stage = nextStage
	metrics.StageTransitions.WithLabelValues(o.cfg.RunID, o.stage).Inc()
	if o.state == COMPLETED {
		if err := o.emit(o.round, "pipeline", "success", "pipeline_complete", "pipeline complete", nil, nil, nil); err != nil {
			return err
		}
	}
	return o.publishStatus()
}

func (o *Orchestrator) fail(cause error) error {
	o.state = ERROR
	_ = o.emit(o.round, o.stage, "critical", "pipeline_error", fmt.Sprintf("stage %s failed: %v", o.stage, cause), nil, nil, nil)
	_ = o.publishStatus()
	return cause
}

// nextTransition computes the state/stage this Tick will land in, per the
// per-round transition graphs for full and collect modes.
func (o *Orchestrator) nextTransition() (State, string) {
	switch o.state {
	case COLLECTING:
		return VALIDATING, "validate"
	case VALIDATING:
		if o.cfg.UnitTestsEnabled {
			return TESTING, "test"
		}
		if o.cfg.Mode == ModeCollect {
			return IDLE, "idle"
		}
		return FINALIZING, "train"
	case TESTING:
		if o.cfg.Mode == ModeCollect {
			return IDLE, "idle"
		}
		return FINALIZING, "train"
	case FINALIZING:
		return EVALUATING, "eval"
	case EVALUATING:
		o.round++
		if o.round >= o.cfg.Rounds {
			return COMPLETED, "complete"
		}
		return COLLECTING, "generate"
	case IDLE:
		return IDLE, "idle"
	default:
		return o.state, o.stage
	}
}

// awaitAdmission consults the Governor before launching a stage, blocking
// on its cooldown until either admission is granted or the run's
// cumulative wall budget is exhausted, per the stated suspension point:
// "Governor admission (bounded by the run's cumulative wall budget)".
// sampleUsage is a placeholder hook for a real OS-level CPU/mem sampler;
// reporting 0/0 means only the cooldown and running-jobs watermarks are
// load-bearing until one is wired in.
func (o *Orchestrator) awaitAdmission() error {
	for {
		cpuPct, memPct := sampleUsage()
		verdict := o.cfg.Governor.Decide(cpuPct, memPct, 1, 0)
		if verdict.Decision == governor.StartNow {
			return nil
		}
		metrics.GovernorHolds.WithLabelValues(o.cfg.RunID, verdict.Reason).Inc()
		_ = o.emit(o.round, o.stage, "warn", "pipeline_throttled", fmt.Sprintf("governor hold: %s", verdict.Reason), nil, nil, nil)

		wait := time.Duration(verdict.RetryAfterMS) * time.Millisecond
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		time.Sleep(wait)
		o.cumulative += wait
		if o.cfg.CumulativeWallCap > 0 && o.cumulative > o.cfg.CumulativeWallCap {
			return o.fail(kerrors.New(kerrors.GuardrailExceeded, "governor admission", "cumulative wall-time budget exceeded while waiting for admission", nil))
		}
	}
}

func sampleUsage() (cpuPct, memPct float64) { return 0, 0 }

// runStage delegates the current stage to the Subprocess Supervisor,
// additionally driving the Dataset Gate at the two points the trust kernel
// cares about: "validate" cleans pending/ into cleanRecords, and "train"
// promotes those records and signs a manifest before the training
// subprocess is allowed to launch at all. The IDLE stage (collect mode
// waiting on train-now) and "complete" are no-ops.
func (o *Orchestrator) runStage(ctx context.Context, stage string) error {
	if stage == "idle" || stage == "complete" {
		return nil
	}
	o.stageCounters = map[string]int{}

	if stage == "train" {
		if err := o.promoteAndSignManifest(); err != nil {
			return err
		}
	}

	res, err := supervisor.Run(ctx, supervisor.Options{
		Argv:    []string{os.Getenv("HEIDI_STAGE_BIN"), "--round", fmt.Sprintf("%d", o.round), "--stage", stage},
		Timeout: o.cfg.StageTimeout,
		Mock:    o.cfg.MockSubprocesses,
	})
	if err != nil {
		return err
	}
	if res.Kind != supervisor.Normal || res.ExitCode != 0 {
		return kerrors.New(kerrors.StageFailed, "run stage", fmt.Sprintf("stage %s exited %d", stage, res.ExitCode), nil)
	}

	switch stage {
	case "validate":
		if err := o.cleanPendingRecords(); err != nil {
			return err
		}
	case "train":
		if err := o.emit(o.round, "train", "success", "train_now_complete", "records promoted and manifest signed", o.stageCounters, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// cleanPendingRecords runs every file under pending/ through gate.Clean,
// keeping survivors for the next promote/sign pass and journaling a
// stage_skip event (the closest fixed enum value to "record dropped") for
// every record the Gate refuses. A missing pending/ directory is not an
// error: a round that never produced raw records still validates cleanly.
func (o *Orchestrator) cleanPendingRecords() error {
	o.cleanRecords = o.cleanRecords[:0]
	pendingRoot := filepath.Join(o.cfg.RunRoot, "pending")
	entries, err := os.ReadDir(pendingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerrors.NewInternalError("clean pending records", err.Error(), "", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(pendingRoot, e.Name())
		rec, cleanErr := o.gate.Clean(p)
		if cleanErr != nil {
			o.stageCounters["records_dropped"]++
			if err := o.emit(o.round, "validate", "warn", "stage_skip", fmt.Sprintf("record %s dropped: %v", e.Name(), cleanErr), nil, nil, nil); err != nil {
				return err
			}
			continue
		}
		o.cleanRecords = append(o.cleanRecords, rec)
		o.stageCounters["records_cleaned"]++
	}
	return nil
}

// promoteAndSignManifest is the "train" stage's gate before the training
// subprocess is permitted to run: it promotes every record cleaned during
// validate into verified/, builds and signs the dataset manifest, writes
// it, and then runs TrainerGuard over every promoted path so the same
// enforcement a standalone trainer would face also gates this in-process
// run. Any failure here aborts the stage before the subprocess launches.
func (o *Orchestrator) promoteAndSignManifest() error {
	hashes := make([]string, 0, len(o.cleanRecords))
	paths := make([]string, 0, len(o.cleanRecords))
	for _, rec := range o.cleanRecords {
		h, path, err := o.gate.Promote(rec)
		if err != nil {
			return err
		}
		hashes = append(hashes, h)
		paths = append(paths, path)
	}

	manifest := gate.BuildManifest(hashes, gate.Manifest{
		RunID:           o.cfg.RunID,
		SchemaVersion:   "1.0",
		EngineVersion:   "heidi-engine",
		FinalState:      string(o.state),
		ReplayHash:      o.journal.LastHash(),
		CreatedAt:       o.clock.NowISO8601(),
		EventCount:      o.eventCount,
		TotalRuntimeSec: int(o.clock.Now().Sub(o.started).Seconds()),
		GuardrailSnapshot: map[string]int{
			"records_cleaned": o.stageCounters["records_cleaned"],
			"records_dropped": o.stageCounters["records_dropped"],
		},
	})
	if err := o.gate.WriteManifest(manifest); err != nil {
		return err
	}

	key := []byte(o.cfg.SigningKey)
	for _, p := range paths {
		if _, err := o.gate.TrainerGuard(p, key); err != nil {
			return err
		}
	}
	o.stageCounters["records_promoted"] = len(paths)
	return nil
}

// State returns the current orchestrator state, for the Control Surface.
func (o *Orchestrator) State() State { return o.state }

// Round returns the current round number.
func (o *Orchestrator) Round() int { return o.round }

// Stage returns the current stage name.
func (o *Orchestrator) Stage() string { return o.stage }
