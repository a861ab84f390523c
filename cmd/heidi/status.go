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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/heidi-engine/heidi-engine/internal/config"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/status"
	"github.com/heidi-engine/heidi-engine/internal/ui"
)

func runStatusCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runRoot := fs.StringP("run-root", "r", "", "Run root directory (default: OUT_DIR/RUN_ID from config/env)")
	_ = fs.Parse(args)

	root := *runRoot
	if root == "" {
		cfg, err := config.Load(globals.Config)
		if err != nil {
			kerrors.FatalError(err, globals.JSON)
		}
		if cfg.OutDir == "" || cfg.RunID == "" {
			kerrors.FatalError(kerrors.NewInternalError("status", "no --run-root given and OUT_DIR/RUN_ID are unset", "pass --run-root explicitly", nil), globals.JSON)
		}
		root = filepath.Join(cfg.OutDir, cfg.RunID)
	}

	snap, err := status.Read(filepath.Join(root, "state.json"))
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		b, _ := json.Marshal(snap)
		fmt.Println(string(b))
		return
	}

	ui.Header("run status")
	for _, k := range []string{"run_id", "status", "current_round", "current_stage", "mode", "last_update"} {
		if v, ok := snap[k]; ok {
			ui.Infof("%-14s %v", k+":", v)
		}
	}
	os.Exit(0)
}
