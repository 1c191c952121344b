package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal returns true if stdout is connected to a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInputTerminal returns true if stdin is connected to a terminal. The
// verification code prompt needs one unless a code is supplied in advance.
func IsInputTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ShouldUseColor determines if ANSI color codes should be used.
// Respects NO_COLOR (https://no-color.org/), CLICOLOR, and CLICOLOR_FORCE conventions.
func ShouldUseColor() bool {
	return shouldUseColor(os.LookupEnv, IsTerminal)
}

func shouldUseColor(lookup func(string) (string, bool), isTerminal func() bool) bool {
	if _, exists := lookup("NO_COLOR"); exists {
		return false
	}
	if value, _ := lookup("CLICOLOR"); value == "0" {
		return false
	}
	if _, exists := lookup("CLICOLOR_FORCE"); exists {
		return true
	}
	return isTerminal()
}
