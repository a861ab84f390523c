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
package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMock_NowISO8601IsDeterministic(t *testing.T) {
	seed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	m := NewMock(seed)
	assert.Equal(t, "2026-07-31T12:00:00.000Z", m.NowISO8601())
}

func TestMock_AdvanceMovesForwardOnly(t *testing.T) {
	m := NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m.Advance(90 * time.Second)
	assert.Equal(t, "2026-01-01T00:01:30.000Z", m.NowISO8601())
}

func TestFormatISO8601_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("TEST+2", 2*60*60)
	local := time.Date(2026, 7, 31, 14, 30, 0, 0, loc)
	assert.Equal(t, "2026-07-31T12:30:00.000Z", FormatISO8601(local))
}

func TestRealClock_ProducesUTC(t *testing.T) {
	r := Real{}
	assert.Equal(t, time.UTC, r.Now().Location())
}
