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
// Package gate implements the Dataset Gate (C9): the raw -> clean ->
// verified record lifecycle, with path containment, schema/length/secret/
// dedupe checks, and an HMAC-SHA-256-signed manifest required before any
// record is trusted for training.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/heidi-engine/heidi-engine/internal/canon"
	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
	"github.com/heidi-engine/heidi-engine/internal/pathguard"
	"github.com/heidi-engine/heidi-engine/internal/redact"
)

const (
	minInstructionLen = 1
	maxInputLen        = 1800
	maxOutputLen       = 4596
)

// Record is one training sample.
type Record struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	Input       string         `json:"input"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Manifest is the fixed 12-key dataset descriptor, HMAC-signed.
type Manifest struct {
	CreatedAt          string         `json:"created_at"`
	DatasetHash        string         `json:"dataset_hash"`
	EngineVersion      string         `json:"engine_version"`
	EventCount         int            `json:"event_count"`
	FinalState         string         `json:"final_state"`
	GuardrailSnapshot  map[string]int `json:"guardrail_snapshot"`
	RecordCount        int            `json:"record_count"`
	ReplayHash         string         `json:"replay_hash"`
	RunID              string         `json:"run_id"`
	SchemaVersion      string         `json:"schema_version"`
	SigningKeyID       string         `json:"signing_key_id"`
	TotalRuntimeSec    int            `json:"total_runtime_sec"`
}

// Gate owns the pending/ -> verified/ transition for one run root.
type Gate struct {
	runRoot   string
	signKey   []byte
	keyID     string
	seenHash  map[string]bool // exact-dedupe by canonical SHA-256
	seenFuzzy map[string]bool // fuzzy-dedupe by normalized body
}

// New constructs a Gate rooted at runRoot, signing manifests with signKey
// under signing key id keyID.
func New(runRoot string, signKey []byte, keyID string) *Gate {
	return &Gate{
		runRoot:   runRoot,
		signKey:   signKey,
		keyID:     keyID,
		seenHash:  map[string]bool{},
		seenFuzzy: map[string]bool{},
	}
}

// Clean validates a raw record read from rawPath (which must resolve
// inside pending/ under the run root) against the schema, length, secret,
// and dedupe rules. It returns the decoded Record on success, or an error
// explaining why the record was dropped. Any secret match is a fail-closed
// drop, not a redact-and-keep.
func (g *Gate) Clean(rawPath string) (Record, error) {
	pendingRoot := filepath.Join(g.runRoot, "pending")
	resolved, err := pathguard.Contain(pendingRoot, rawPath)
	if err != nil {
		return Record{}, err
	}

	b, err := os.ReadFile(resolved)
	if err != nil {
		return Record{}, kerrors.NewInternalError("clean record", err.Error(), "", err)
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "malformed JSON: "+err.Error(), err)
	}
	if rec.ID == "" || rec.Instruction == "" || rec.Input == "" || rec.Output == "" {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "missing required field", nil)
	}
	if len(rec.Instruction) < minInstructionLen {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "instruction too short", nil)
	}
	if len(rec.Input) > maxInputLen {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "input exceeds max length", nil)
	}
	if len(rec.Output) > maxOutputLen {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "output exceeds max length", nil)
	}

	for _, s := range []string{rec.ID, rec.Instruction, rec.Input, rec.Output} {
		if redact.ContainsSecret(s) {
			return Record{}, kerrors.New(kerrors.RedactionError, "clean record", "record dropped: secret-shaped content detected", nil)
		}
	}

	canonHash, err := recordHash(rec)
	if err != nil {
		return Record{}, err
	}
	if g.seenHash[canonHash] {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "exact duplicate", nil)
	}
	fuzzy := normalize(rec.Instruction + rec.Input + rec.Output)
	if g.seenFuzzy[fuzzy] {
		return Record{}, kerrors.New(kerrors.StageFailed, "clean record", "fuzzy duplicate", nil)
	}
	g.seenHash[canonHash] = true
	g.seenFuzzy[fuzzy] = true

	return rec, nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize collapses whitespace and lowercases for fuzzy dedupe.
func normalize(s string) string {
	return strings.ToLower(whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " "))
}

// recordHash is the SHA-256 hex digest over the record's canonical JSON
// form, used both for exact dedupe and the dataset hash.
func recordHash(rec Record) (string, error) {
	b, err := canon.Marshal(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Promote writes rec into verified/ under id.json (sanitized), fsyncs the
// file and the verified/ directory, then returns the record's canonical
// hash (to fold into the next manifest) and its resolved verified/ path
// (for the trainer guard to check before training proceeds).
func (g *Gate) Promote(rec Record) (hash, path string, err error) {
	verifiedRoot := filepath.Join(g.runRoot, "verified")
	if err := os.MkdirAll(verifiedRoot, 0o700); err != nil {
		return "", "", kerrors.NewInternalError("promote record", err.Error(), "", err)
	}
	name, err := pathguard.SanitizeIdentifier(rec.ID)
	if err != nil {
		return "", "", err
	}
	dest := filepath.Join(verifiedRoot, name+".json")
	resolved, err := pathguard.Contain(verifiedRoot, dest)
	if err != nil {
		return "", "", err
	}

	body, err := canon.Marshal(rec)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(resolved, body, 0o600); err != nil {
		return "", "", kerrors.NewInternalError("promote record", err.Error(), "", err)
	}
	if f, err := os.Open(resolved); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if dir, err := os.Open(verifiedRoot); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	h, err := recordHash(rec)
	if err != nil {
		return "", "", err
	}
	return h, resolved, nil
}

// BuildManifest computes dataset_hash from recordHashes (sorted, then
// SHA-256 of the concatenation) and returns the populated, unsigned
// Manifest. The caller fills in run-level fields before calling Sign.
func BuildManifest(recordHashes []string, base Manifest) Manifest {
	sorted := append([]string(nil), recordHashes...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, rh := range sorted {
		h.Write([]byte(rh))
	}
	base.DatasetHash = hex.EncodeToString(h.Sum(nil))
	base.RecordCount = len(recordHashes)
	if base.GuardrailSnapshot == nil {
		base.GuardrailSnapshot = map[string]int{}
	}
	return base
}

// Sign canonicalizes m, validates it against the locked 12-key manifest
// schema, and computes its HMAC-SHA-256 signature (hex) using g.signKey.
// Returns the canonical manifest bytes and the hex signature, to be written
// as manifest.json and manifest.sig respectively.
func (g *Gate) Sign(m Manifest) ([]byte, string, error) {
	m.SigningKeyID = g.keyID
	body, err := canon.Marshal(m)
	if err != nil {
		return nil, "", err
	}
	if err := validateManifestBytes(body); err != nil {
		return nil, "", err
	}
	mac := hmac.New(sha256.New, g.signKey)
	mac.Write(body)
	return body, hex.EncodeToString(mac.Sum(nil)), nil
}

// validateManifestBytes decodes canonical manifest bytes and validates them
// against the locked schema, refusing anything with missing, extra, or
// wrongly-typed keys.
func validateManifestBytes(body []byte) error {
	decoded, err := canon.Decode(body)
	if err != nil {
		return err
	}
	if err := compiledManifestSchema.Validate(decoded); err != nil {
		return kerrors.New(kerrors.CanonicalizationError, "validate manifest", err.Error(), err)
	}
	return nil
}

// WriteManifest signs m and writes manifest.json + manifest.sig under the
// run root.
func (g *Gate) WriteManifest(m Manifest) error {
	body, sig, err := g.Sign(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(g.runRoot, "manifest.json"), body, 0o600); err != nil {
		return kerrors.NewInternalError("write manifest", err.Error(), "", err)
	}
	if err := os.WriteFile(filepath.Join(g.runRoot, "manifest.sig"), []byte(sig), 0o600); err != nil {
		return kerrors.NewInternalError("write manifest signature", err.Error(), "", err)
	}
	return nil
}

// TrainerGuard is the single enforcement point for "only verified data
// trains": it refuses any path not inside verified/ and any path whose
// manifest signature does not verify against key.
func (g *Gate) TrainerGuard(path string, key []byte) (string, error) {
	verifiedRoot := filepath.Join(g.runRoot, "verified")
	resolved, err := pathguard.Contain(verifiedRoot, path)
	if err != nil {
		return "", err
	}

	manifestBody, err := os.ReadFile(filepath.Join(g.runRoot, "manifest.json"))
	if err != nil {
		return "", kerrors.New(kerrors.SignatureInvalid, "trainer guard", "manifest missing: "+err.Error(), err)
	}
	sigHex, err := os.ReadFile(filepath.Join(g.runRoot, "manifest.sig"))
	if err != nil {
		return "", kerrors.New(kerrors.SignatureInvalid, "trainer guard", "manifest signature missing: "+err.Error(), err)
	}
	decodedSig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return "", kerrors.New(kerrors.SignatureInvalid, "trainer guard", "malformed signature", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(manifestBody)
	if !hmac.Equal(mac.Sum(nil), decodedSig) {
		return "", kerrors.New(kerrors.SignatureInvalid, "trainer guard", "manifest signature does not verify", nil)
	}
	if err := validateManifestBytes(manifestBody); err != nil {
		return "", kerrors.New(kerrors.SignatureInvalid, "trainer guard", "manifest failed schema validation: "+err.Error(), err)
	}

	return resolved, nil
}
