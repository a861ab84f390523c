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
// Package status implements the atomic tmp-then-rename status snapshot
// writer (C6). Rename is atomic on POSIX: a reader that opens the path at
// any instant observes either the prior snapshot or the fully-written new
// one, never a torn write.
package status

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/heidi-engine/heidi-engine/internal/canon"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
)

// Snapshot is the required shape of state.json. Additional integer
// counters may be attached via Extra.
type Snapshot struct {
	RunID          string         `json:"run_id"`
	Status         string         `json:"status"`
	CurrentRound   int            `json:"current_round"`
	CurrentStage   string         `json:"current_stage"`
	Mode           string         `json:"mode"`
	LastUpdate     string         `json:"last_update"`
	Extra          map[string]int `json:"-"`
}

// Write canonicalizes snap (merging Extra counters at the top level),
// rejects it if it does not canonicalize cleanly, and publishes it to path
// via a temp file followed by os.Rename.
func Write(path string, snap Snapshot) error {
	merged := map[string]any{
		"run_id":        snap.RunID,
		"status":        snap.Status,
		"current_round": snap.CurrentRound,
		"current_stage": snap.CurrentStage,
		"mode":          snap.Mode,
		"last_update":   snap.LastUpdate,
	}
	for k, v := range snap.Extra {
		merged[k] = v
	}

	body, err := canon.Marshal(merged)
	if err != nil {
		return kerrors.New(kerrors.CanonicalizationError, "publish status", fmt.Sprintf("snapshot is not canonical: %v", err), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kerrors.NewInternalError("publish status", err.Error(), "", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return kerrors.NewInternalError("publish status", "write temp: "+err.Error(), "", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return kerrors.NewInternalError("publish status", "rename: "+err.Error(), "", err)
	}
	return nil
}

// Read loads and decodes the snapshot at path verbatim, for the Control
// Surface's GET status operation.
func Read(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.NewInternalError("read status", err.Error(), "", err)
	}
	decoded, err := canon.Decode(b)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, kerrors.New(kerrors.CanonicalizationError, "read status", "snapshot is not a JSON object", nil)
	}
	return m, nil
}
