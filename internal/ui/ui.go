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
// Package ui renders human-facing CLI output, downgrading to plain text
// when stdout is not a terminal, --no-color is set, or NO_COLOR is set.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var enabled = isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""

// SetNoColor forces plain-text output regardless of terminal detection.
func SetNoColor(noColor bool) {
	if noColor {
		enabled = false
		color.NoColor = true
	}
}

func paint(c *color.Color, prefix, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !enabled {
		fmt.Println(prefix + msg)
		return
	}
	c.Println(prefix + msg)
}

func Header(title string) {
	paint(color.New(color.FgCyan, color.Bold), "", "== %s ==", title)
}

func Success(msg string) {
	paint(color.New(color.FgGreen), "✓ ", "%s", msg)
}

func Warning(msg string) {
	paint(color.New(color.FgYellow), "! ", "%s", msg)
}

func Error(msg string) {
	paint(color.New(color.FgRed), "✗ ", "%s", msg)
}

func Info(msg string) {
	paint(color.New(color.FgWhite), "", "%s", msg)
}

func Infof(format string, a ...any) {
	Info(fmt.Sprintf(format, a...))
}
