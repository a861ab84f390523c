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
// Package replay implements the Replay Verifier (C12): an independent
// re-walk of a journal that recomputes the hash chain and, if a manifest is
// present, its HMAC-SHA-256 signature. Replay is bit-deterministic: the
// same journal yields the same final digest regardless of locale or
// time zone.
package replay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/heidi-engine/heidi-engine/internal/canon"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/journal"
)

// Report summarizes one replay run.
type Report struct {
	EntryCount      int
	FinalHash       string
	ManifestPresent bool
	ManifestValid   bool
}

// Verify re-walks the journal at journalPath, recomputing the hash chain
// and schema validity, then (if a manifest.json/.sig pair exists alongside
// it) verifies the HMAC signature against key. Any chain break, schema
// violation, or bad signature is returned as the first error encountered.
func Verify(journalPath string, key []byte) (Report, error) {
	entries, err := journal.Replay(journalPath)
	if err != nil {
		return Report{}, err
	}

	report := Report{EntryCount: len(entries)}
	if len(entries) > 0 {
		report.FinalHash = entries[len(entries)-1].Hash
	}

	dir := filepath.Dir(journalPath)
	manifestPath := filepath.Join(dir, "manifest.json")
	sigPath := filepath.Join(dir, "manifest.sig")

	if _, err := os.Stat(manifestPath); err != nil {
		return report, nil
	}
	report.ManifestPresent = true

	manifestBody, err := os.ReadFile(manifestPath)
	if err != nil {
		return report, kerrors.NewInternalError("replay", "read manifest: "+err.Error(), "", err)
	}
	sigHex, err := os.ReadFile(sigPath)
	if err != nil {
		return report, kerrors.New(kerrors.SignatureInvalid, "replay", "manifest.sig missing: "+err.Error(), err)
	}

	// Re-canonicalize to confirm the stored manifest bytes are themselves
	// canonical (a non-canonical manifest on disk is itself suspicious).
	decoded, err := canon.Decode(manifestBody)
	if err != nil {
		return report, err
	}
	recanon, err := canon.Marshal(decoded)
	if err != nil {
		return report, err
	}
	if string(recanon) != string(manifestBody) {
		return report, kerrors.New(kerrors.CanonicalizationError, "replay", "stored manifest is not canonical", nil)
	}

	decodedSig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return report, kerrors.New(kerrors.SignatureInvalid, "replay", "malformed signature hex", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(manifestBody)
	if !hmac.Equal(mac.Sum(nil), decodedSig) {
		return report, kerrors.New(kerrors.SignatureInvalid, "replay", "manifest signature does not verify", nil)
	}
	report.ManifestValid = true
	return report, nil
}

// Digest returns a stable, bit-deterministic summary of a verified replay,
// suitable for the soak-test property ("replaying N times yields the same
// final digest").
func (r Report) Digest() string {
	b, _ := json.Marshal(struct {
		EntryCount int    `json:"entry_count"`
		FinalHash  string `json:"final_hash"`
	}{r.EntryCount, r.FinalHash})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
