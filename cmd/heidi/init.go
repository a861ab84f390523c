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
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/ui"
)

const defaultYAML = `# heidi.yaml - trust kernel configuration
# Environment variables (RUN_ID, OUT_DIR, HEIDI_SIGNING_KEY, ...) override
# any value set here.

control_addr: "127.0.0.1:8743"
metrics_addr: ""

unit_tests_enabled: false

doctor_check_argv: []

guardrail:
  max_wall_time_minutes: 120
  max_disk_mb: 2048
  max_cpu_pct: 90
  max_mem_pct: 90
  max_running_jobs: 1
  cooldown_ms: 500
`

func runInitCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing heidi.yaml")
	_ = fs.Parse(args)

	path := globals.Config
	if path == "" {
		path = "heidi.yaml"
	}

	if _, err := os.Stat(path); err == nil && !*force {
		kerrors.FatalError(kerrors.NewInternalError("init", fmt.Sprintf("%s already exists", path), "pass --force to overwrite", nil), globals.JSON)
	}

	if err := os.WriteFile(path, []byte(defaultYAML), 0o600); err != nil {
		kerrors.FatalError(kerrors.NewInternalError("init", err.Error(), "", err), globals.JSON)
	}

	if !globals.Quiet {
		ui.Success(fmt.Sprintf("wrote %s", path))
	}
}
