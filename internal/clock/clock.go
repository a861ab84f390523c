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
// Package clock exposes a mockable source of UTC, millisecond-precision
// ISO-8601 timestamps. The real clock is TZ- and locale-invariant: its
// output depends only on wall-clock UTC, never on process environment.
package clock

import "time"

// Clock produces the current instant as an ISO-8601 string.
type Clock interface {
	NowISO8601() string
	Now() time.Time
}

const layout = "2006-01-02T15:04:05.000Z"

// Real is the production clock. Its zero value is ready to use.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (r Real) NowISO8601() string { return r.Now().Format(layout) }

// FormatISO8601 renders t (converted to UTC) in the journal's fixed layout.
func FormatISO8601(t time.Time) string { return t.UTC().Format(layout) }

// Mock returns caller-set timestamps, for deterministic tests. Advance
// moves the mock clock forward explicitly; it never advances on its own.
type Mock struct {
	t time.Time
}

// NewMock creates a Mock clock seeded at t (converted to UTC).
func NewMock(t time.Time) *Mock {
	return &Mock{t: t.UTC()}
}

func (m *Mock) Now() time.Time { return m.t }

func (m *Mock) NowISO8601() string { return FormatISO8601(m.t) }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.t = m.t.Add(d) }

// Set pins the mock clock to t (converted to UTC).
func (m *Mock) Set(t time.Time) { m.t = t.UTC() }
