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
// Package pathguard sanitizes caller-supplied identifiers and enforces that
// every path used by the trust kernel resolves to a descendant of its
// configured root, refusing symlinks at any path component.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	kerrors "github.com/heidi-engine/heidi-engine/internal/errors"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// SanitizeIdentifier returns the final path component of id, rejecting
// empty strings, ".", "..", NUL bytes, or anything containing a path
// separator. Matches the run_id grammar `^[A-Za-z0-9._-]{1,64}$`.
func SanitizeIdentifier(id string) (string, error) {
	if strings.ContainsRune(id, 0) {
		return "", kerrors.New(kerrors.PathEscape, "sanitize identifier", "identifier contains NUL byte", nil)
	}
	base := filepath.Base(id)
	if base != id {
		return "", kerrors.New(kerrors.PathEscape, "sanitize identifier", fmt.Sprintf("identifier %q contains a path separator", id), nil)
	}
	if base == "." || base == ".." || base == "" {
		return "", kerrors.New(kerrors.PathEscape, "sanitize identifier", fmt.Sprintf("identifier %q is not a valid name", id), nil)
	}
	if !identifierRe.MatchString(base) {
		return "", kerrors.New(kerrors.PathEscape, "sanitize identifier", fmt.Sprintf("identifier %q does not match the allowed grammar", id), nil)
	}
	return base, nil
}

// Contain resolves candidate against root and requires the resolved
// absolute path to be root itself or a descendant of it, refusing if any
// path component (including the final target) is a symbolic link. It
// returns the resolved absolute path, or PathEscape on any violation.
func Contain(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", kerrors.New(kerrors.PathEscape, "resolve root", err.Error(), err)
	}
	resolvedRoot, err := resolveNoSymlink(absRoot, true)
	if err != nil {
		return "", err
	}

	absCandidate := candidate
	if !filepath.IsAbs(absCandidate) {
		absCandidate = filepath.Join(absRoot, candidate)
	}
	resolvedCandidate, err := resolveNoSymlink(absCandidate, false)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedCandidate)
	if err != nil {
		return "", kerrors.New(kerrors.PathEscape, "contain", err.Error(), err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", kerrors.New(kerrors.PathEscape, "contain", fmt.Sprintf("%q escapes root %q", candidate, root), nil)
	}
	return resolvedCandidate, nil
}

// resolveNoSymlink walks path component by component from the root using
// os.Lstat, refusing with PathEscape if any existing component is a
// symbolic link. It never follows a symlink to see where it points: an
// in-root symlink target is refused exactly like an out-of-root one. When
// requireExists is false, a missing leaf is tolerated (the common case for
// a path about to be created); every component that does exist must still
// be a real directory or file, never a symlink.
func resolveNoSymlink(path string, requireExists bool) (string, error) {
	clean := filepath.Clean(path)
	if err := rejectSymlinkComponents(clean); err != nil {
		return "", err
	}
	if requireExists {
		if _, err := os.Lstat(clean); err != nil {
			return "", kerrors.New(kerrors.PathEscape, "resolve path", err.Error(), err)
		}
	}
	return clean, nil
}

// rejectSymlinkComponents Lstat's each component of the absolute, cleaned
// path from the top down, stopping (without error) at the first component
// that does not exist yet, since everything below a missing component is
// necessarily missing too.
func rejectSymlinkComponents(clean string) error {
	vol := filepath.VolumeName(clean)
	sep := string(filepath.Separator)
	parts := strings.Split(strings.TrimPrefix(clean[len(vol):], sep), sep)

	cur := vol + sep
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = filepath.Join(cur, p)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return kerrors.New(kerrors.PathEscape, "resolve path", err.Error(), err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return kerrors.New(kerrors.PathEscape, "resolve path", fmt.Sprintf("%q is a symbolic link", cur), nil)
		}
	}
	return nil
}
