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
package main

import (
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/heidi-engine/heidi-engine/internal/config"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/ui"
)

// runTrainNowCmd drops the train_now.latest latch file directly under the
// run's actions/ directory, the same cooperative filesystem protocol the
// Control Surface's HTTP endpoint uses. It does not require the run's HTTP
// server to be reachable.
func runTrainNowCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("train-now", flag.ExitOnError)
	runRootFlag := fs.StringP("run-root", "r", "", "Run root directory (default: OUT_DIR/RUN_ID from config/env)")
	_ = fs.Parse(args)

	root := *runRootFlag
	if root == "" {
		cfg, err := config.Load(globals.Config)
		if err != nil {
			kerrors.FatalError(err, globals.JSON)
		}
		if cfg.OutDir == "" || cfg.RunID == "" {
			kerrors.FatalError(kerrors.NewInternalError("train-now", "no --run-root given and OUT_DIR/RUN_ID are unset", "pass --run-root explicitly", nil), globals.JSON)
		}
		root = filepath.Join(cfg.OutDir, cfg.RunID)
	}

	actionsDir := filepath.Join(root, "actions")
	if err := os.MkdirAll(actionsDir, 0o700); err != nil {
		kerrors.FatalError(kerrors.NewInternalError("train-now", err.Error(), "", err), globals.JSON)
	}
	f, err := os.OpenFile(filepath.Join(actionsDir, "train_now.latest"), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		kerrors.FatalError(kerrors.NewInternalError("train-now", err.Error(), "", err), globals.JSON)
	}
	_ = f.Close()

	if !globals.Quiet {
		ui.Success("train-now latch created")
	}
}
