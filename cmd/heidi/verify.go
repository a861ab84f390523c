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

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/replay"
	"github.com/heidi-engine/heidi-engine/internal/ui"
)

// runVerifyCmd independently replays a run's journal and, if present,
// verifies its manifest signature, reporting a bit-deterministic digest.
func runVerifyCmd(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: heidi verify <out-dir>")
		os.Exit(1)
	}
	outDir := fs.Arg(0)

	key := []byte(os.Getenv("HEIDI_SIGNING_KEY"))
	report, err := replay.Verify(filepath.Join(outDir, "events.jsonl"), key)
	if err != nil {
		kerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		b, _ := json.Marshal(map[string]any{
			"ok":               true,
			"entry_count":      report.EntryCount,
			"final_hash":       report.FinalHash,
			"manifest_present": report.ManifestPresent,
			"manifest_valid":   report.ManifestValid,
			"digest":           report.Digest(),
		})
		fmt.Println(string(b))
		return
	}

	ui.Header("replay verification")
	ui.Infof("entries:          %d", report.EntryCount)
	ui.Infof("final_hash:       %s", report.FinalHash)
	ui.Infof("manifest_present: %v", report.ManifestPresent)
	ui.Infof("manifest_valid:   %v", report.ManifestValid)
	ui.Infof("digest:           %s", report.Digest())
	ui.Success("journal chain verified")
}
