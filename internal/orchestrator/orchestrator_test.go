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
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heidi-engine/heidi-engine/internal/clock"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/gate"
	"github.com/heidi-engine/heidi-engine/internal/journal"
	"github.com/heidi-engine/heidi-engine/internal/replay"
)

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.RunRoot == "" {
		cfg.RunRoot = t.TempDir()
	}
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 5 * time.Second
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = "test-key"
	}
	j, err := journal.Open(filepath.Join(cfg.RunRoot, "events.jsonl"), cfg.RunID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	g := gate.New(cfg.RunRoot, []byte(cfg.SigningKey), "default")
	clk := clock.NewMock(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	return New(cfg, clk, j, g)
}

func osWriteExecutable(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o755)
}

func TestOrchestrator_HappyPathCollectMode(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: true,
	})

	require.NoError(t, o.Start(context.Background(), false))
	assert.Equal(t, COLLECTING, o.State())

	require.NoError(t, o.Tick(context.Background())) // generate -> validate
	assert.Equal(t, VALIDATING, o.State())

	require.NoError(t, o.Tick(context.Background())) // validate -> idle
	assert.Equal(t, IDLE, o.State())
	assert.Equal(t, "idle", o.Stage())

	// Further ticks while idle are no-ops, not schema-breaking stage values.
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Tick(context.Background()))
		assert.Equal(t, IDLE, o.State())
	}
}

func TestOrchestrator_TrainNowLatchPromotesToFinalizing(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: true,
	})

	require.NoError(t, o.Start(context.Background(), false))
	require.NoError(t, o.Tick(context.Background())) // -> validate
	require.NoError(t, o.Tick(context.Background())) // -> idle

	require.NoError(t, o.TrainNow(context.Background()))
	assert.Equal(t, FINALIZING, o.State())
	assert.Equal(t, "train", o.Stage())

	require.NoError(t, o.Tick(context.Background())) // train -> eval
	assert.Equal(t, EVALUATING, o.State())

	require.NoError(t, o.Tick(context.Background())) // eval -> complete (round 1 of 1)
	assert.Equal(t, COMPLETED, o.State())
}

func TestOrchestrator_FullModeRunsToCompletion(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           2,
		Mode:             ModeFull,
		MockSubprocesses: true,
	})

	require.NoError(t, o.Start(context.Background(), false))
	for o.State() != COMPLETED {
		require.NoError(t, o.Tick(context.Background()))
	}
	assert.Equal(t, 2, o.Round())

	report, err := replay.Verify(filepath.Join(root, "events.jsonl"), nil)
	require.NoError(t, err)
	assert.Greater(t, report.EntryCount, 0)
}

func TestOrchestrator_UnitTestsEnabledRunsTestStage(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeFull,
		UnitTestsEnabled: true,
		MockSubprocesses: true,
	})

	require.NoError(t, o.Start(context.Background(), false))
	require.NoError(t, o.Tick(context.Background())) // generate -> validate
	require.NoError(t, o.Tick(context.Background())) // validate -> test
	assert.Equal(t, TESTING, o.State())
}

func TestOrchestrator_ShutdownIsIdempotentAcrossRepeatedTicks(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeFull,
		MockSubprocesses: true,
	})
	require.NoError(t, o.Start(context.Background(), false))

	o.RequestStop()
	require.NoError(t, o.Tick(context.Background()))
	assert.Equal(t, IDLE, o.State())

	for i := 0; i < 5; i++ {
		require.NoError(t, o.Tick(context.Background()))
		assert.Equal(t, IDLE, o.State())
	}

	report, err := replay.Verify(filepath.Join(root, "events.jsonl"), nil)
	require.NoError(t, err)
	assert.Greater(t, report.EntryCount, 0)
}

func TestOrchestrator_PauseThenResume(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeFull,
		MockSubprocesses: true,
	})
	require.NoError(t, o.Start(context.Background(), false))

	o.RequestPause()
	require.NoError(t, o.Tick(context.Background()))
	assert.Equal(t, PAUSED, o.State())

	o.Resume()
	require.NoError(t, o.Tick(context.Background()))
	assert.NotEqual(t, PAUSED, o.State())
}

func TestOrchestrator_RealModeRequiresGovernorAndKeys(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeFull,
		MockSubprocesses: true,
	})

	err := o.Start(context.Background(), true)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.GatekeeperRefused))
	assert.Equal(t, ERROR, o.State())
}

func stageScriptFailingOnly(t *testing.T, failStage string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "stage.sh")
	body := "#!/bin/sh\ncase \"$4\" in\n  " + failStage + ") exit 7;;\n  *) exit 0;;\nesac\n"
	require.NoError(t, osWriteExecutable(script, body))
	return script
}

func TestOrchestrator_EvalFailureIsRecoverable(t *testing.T) {
	// Evaluation is the sole stage whose failure does not terminate the run.
	t.Setenv("HEIDI_STAGE_BIN", stageScriptFailingOnly(t, "eval"))

	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: false,
	})
	require.NoError(t, o.Start(context.Background(), false))
	require.NoError(t, o.Tick(context.Background())) // -> validate
	require.NoError(t, o.Tick(context.Background())) // -> idle
	require.NoError(t, o.TrainNow(context.Background()))
	require.NoError(t, o.Tick(context.Background())) // train -> eval
	assert.Equal(t, EVALUATING, o.State(), "eval stage failure must not move the run to ERROR")
}

func TestOrchestrator_NonEvalStageFailureIsFatal(t *testing.T) {
	t.Setenv("HEIDI_STAGE_BIN", stageScriptFailingOnly(t, "generate"))

	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: false,
	})
	require.NoError(t, o.Start(context.Background(), false))
	err := o.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, ERROR, o.State())
}

func TestOrchestrator_TrainStagePromotesCleanedRecordsAndSignsManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pending"), 0o700))
	require.NoError(t, osWriteExecutable(filepath.Join(root, "pending", "r1.json"),
		`{"id":"r1","instruction":"do x","input":"hello","output":"world"}`))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pending", "bad.json"), []byte(`{not json`), 0o600))

	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: true,
		SigningKey:       "round-trip-key",
	})

	require.NoError(t, o.Start(context.Background(), false))
	require.NoError(t, o.Tick(context.Background())) // generate -> validate
	require.NoError(t, o.Tick(context.Background())) // validate -> idle, cleans pending/

	assert.DirExists(t, filepath.Join(root, "verified"))

	require.NoError(t, o.TrainNow(context.Background()))
	require.NoError(t, o.Tick(context.Background())) // train -> eval, promotes + signs

	assert.FileExists(t, filepath.Join(root, "verified", "r1.json"))
	assert.FileExists(t, filepath.Join(root, "manifest.json"))
	assert.FileExists(t, filepath.Join(root, "manifest.sig"))

	g := gate.New(root, []byte("round-trip-key"), "default")
	_, err := g.TrainerGuard(filepath.Join(root, "verified", "r1.json"), []byte("round-trip-key"))
	require.NoError(t, err)

	report, err := replay.Verify(filepath.Join(root, "events.jsonl"), []byte("round-trip-key"))
	require.NoError(t, err)
	assert.True(t, report.ManifestPresent)
	assert.True(t, report.ManifestValid)
}

func TestOrchestrator_TickRefusedOnceTerminal(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, Config{
		RunRoot:          root,
		Rounds:           1,
		Mode:             ModeCollect,
		MockSubprocesses: true,
	})
	require.NoError(t, o.Start(context.Background(), false))
	require.NoError(t, o.Tick(context.Background()))
	require.NoError(t, o.Tick(context.Background()))
	require.NoError(t, o.TrainNow(context.Background()))
	require.NoError(t, o.Tick(context.Background()))
	require.NoError(t, o.Tick(context.Background()))
	require.Equal(t, COMPLETED, o.State())

	err := o.Tick(context.Background())
	require.Error(t, err)
}
