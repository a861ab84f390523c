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
package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
)

func TestSanitizeIdentifier_Valid(t *testing.T) {
	id, err := SanitizeIdentifier("run-2026.07.31_a")
	require.NoError(t, err)
	assert.Equal(t, "run-2026.07.31_a", id)
}

func TestSanitizeIdentifier_RejectsPathSeparator(t *testing.T) {
	_, err := SanitizeIdentifier("a/b")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PathEscape))
}

func TestSanitizeIdentifier_RejectsDotDot(t *testing.T) {
	_, err := SanitizeIdentifier("..")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PathEscape))
}

func TestSanitizeIdentifier_RejectsEmpty(t *testing.T) {
	_, err := SanitizeIdentifier("")
	assert.Error(t, err)
}

func TestSanitizeIdentifier_RejectsNUL(t *testing.T) {
	_, err := SanitizeIdentifier("a\x00b")
	assert.Error(t, err)
}

func TestContain_AllowsDescendant(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o700))

	resolved, err := Contain(root, filepath.Join(root, "sub", "file.json"))
	require.NoError(t, err)
	assert.Contains(t, resolved, "sub")
}

func TestContain_RefusesEscape(t *testing.T) {
	root := t.TempDir()
	_, err := Contain(root, filepath.Join(root, "..", "outside.json"))
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PathEscape))
}

func TestContain_RefusesSymlinkComponent(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.json")
	require.NoError(t, os.WriteFile(outsideFile, []byte("{}"), 0o600))

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := Contain(root, filepath.Join(link, "secret.json"))
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PathEscape))
}
