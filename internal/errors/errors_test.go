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
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_ErrorMessageIncludesDetail(t *testing.T) {
	err := New(PathEscape, "contain", "escapes root", nil)
	assert.Equal(t, "contain: escapes root", err.Error())
}

func TestNew_ErrorMessageWithoutDetailIsJustTitle(t *testing.T) {
	err := New(ChainBreak, "replay", "", nil)
	assert.Equal(t, "replay", err.Error())
}

func TestIs_MatchesWrappedKernelError(t *testing.T) {
	base := New(SchemaLock, "append", "13 keys", nil)
	wrapped := fmt.Errorf("while appending: %w", base)
	assert.True(t, Is(wrapped, SchemaLock))
	assert.False(t, Is(wrapped, ChainBreak))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boring"), Internal))
}

func TestIs_FalseForNil(t *testing.T) {
	assert.False(t, Is(nil, Internal))
}

func TestUnwrap_ReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New(StageFailed, "run stage", "exit 1", cause)
	ke, ok := err.(*KernelError)
	assert.True(t, ok)
	assert.Equal(t, cause, ke.Unwrap())
}

func TestNewInternalError_KindIsInternal(t *testing.T) {
	err := NewInternalError("open journal", "disk full", "free up space", nil)
	assert.True(t, Is(err, Internal))
	ke := err.(*KernelError)
	assert.Equal(t, "free up space", ke.Suggestion)
}
