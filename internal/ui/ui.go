// Copyright 2025 KrakLabs
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
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides terminal presentation helpers for the CLI: colored
// headers, labels, and status lines that degrade to plain text when the
// output is not a TTY or color is disabled.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	dimColor     = color.New(color.Faint)
	countColor   = color.New(color.FgMagenta)
)

// InitColors enables or disables color output. Color is off when noColor
// is set, when stdout is not a terminal, or when NO_COLOR is set (the
// caller checks the env var).
func InitColors(noColor bool) {
	if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a bold section header.
func Header(text string) {
	_, _ = headerColor.Println(text)
}

// SubHeader prints a secondary section header.
func SubHeader(text string) {
	fmt.Println()
	_, _ = headerColor.Println(text)
}

// Label prints a "  key: value" line.
func Label(key, value string) {
	fmt.Printf("  %s: %s\n", key, value)
}

// Info prints an informational line.
func Info(text string) {
	fmt.Println(text)
}

// Infof prints a formatted informational line.
func Infof(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// Success prints a green checkmark line.
func Success(text string) {
	_, _ = successColor.Printf("✓ %s\n", text)
}

// Warning prints a yellow warning line.
func Warning(text string) {
	_, _ = warningColor.Printf("! %s\n", text)
}

// Warningf prints a formatted yellow warning line.
func Warningf(format string, args ...any) {
	_, _ = warningColor.Printf("! "+format+"\n", args...)
}

// Green returns the text rendered in green.
func Green(text string) string {
	return successColor.Sprint(text)
}

// Yellow returns the text rendered in yellow.
func Yellow(text string) string {
	return warningColor.Sprint(text)
}

// DimText returns the text rendered faint.
func DimText(text string) string {
	return dimColor.Sprint(text)
}

// CountText renders a count for summary tables.
func CountText(n int) string {
	return countColor.Sprintf("%d", n)
}
