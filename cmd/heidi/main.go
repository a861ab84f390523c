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
// Package main implements the heidi CLI: the trust kernel of an autonomous
// ML training pipeline orchestrator.
//
// Usage:
//
//	heidi init                    Write a default heidi.yaml
//	heidi run [--real]            Run the orchestrator to completion
//	heidi status [--json]         Show the current run's status snapshot
//	heidi train-now               Trigger the train-now latch
//	heidi verify <out-dir>        Independently replay and verify a run's journal
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/heidi-engine/heidi-engine/internal/ui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
	Config  string
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to heidi.yaml (default: ./heidi.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag argument (the command name), so
	// subcommand-specific flags like "run --real" parse in the subcommand,
	// not here.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `heidi - trust kernel for an autonomous ML training pipeline

heidi drives a round-based data generation/validation/training pipeline
through a fixed state machine, journaling every transition to a
hash-chained, schema-locked event log and gating training data behind an
HMAC-signed manifest.

Usage:
  heidi <command> [options]

Commands:
  init          Write a default heidi.yaml to the current directory
  run           Run the orchestrator to completion (or until stopped)
  status        Show the current run's status snapshot
  train-now     Trigger the train-now latch for a collect-mode run
  verify        Independently replay and verify a run's journal + manifest

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -c, --config      Path to heidi.yaml
  -V, --version     Show version and exit

Environment Variables:
  RUN_ID, OUT_DIR, ROUNDS, HEIDI_MOCK_SUBPROCESSES,
  HEIDI_SIGNING_KEY, HEIDI_KEYSTORE_PATH,
  MAX_WALL_TIME_MINUTES, MAX_DISK_MB, MAX_CPU_PCT, MAX_MEM_PCT

For detailed command help: heidi <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("heidi version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
		Config:  *configPath,
	}
	ui.SetNoColor(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInitCmd(cmdArgs, globals)
	case "run":
		runRunCmd(cmdArgs, globals)
	case "status":
		runStatusCmd(cmdArgs, globals)
	case "train-now":
		runTrainNowCmd(cmdArgs, globals)
	case "verify":
		runVerifyCmd(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
