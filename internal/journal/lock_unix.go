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
//go:build unix

package journal

import "golang.org/x/sys/unix"

// flockExclusive takes an exclusive, non-blocking advisory lock on f for
// the run's lifetime. It is released automatically when the fd is closed,
// but Close also unlocks explicitly for clarity.
func flockExclusive(fd int) error {
	return unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
}

func funlock(fd int) error {
	return unix.Flock(fd, unix.LOCK_UN)
}
