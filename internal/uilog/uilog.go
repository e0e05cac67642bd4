// Package uilog provides the small set of colored status lines the
// image builder prints as it moves through §4.7's stage/extract/
// scriptlet/hook/unmount/publish sequence.
//
// Grounded on kraklabs-cie/internal/ui/color.go's pre-configured
// color.New instances and NO_COLOR-respecting InitColors, and on
// kraklabs-cie/cmd/cie/progress.go's TTY-gated enablement, adapted from
// a whole CLI-output package down to the handful of status lines this
// build actually prints.
package uilog

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	stage = color.New(color.FgCyan, color.Bold)
	ok    = color.New(color.FgGreen)
	warn  = color.New(color.FgYellow)
)

// Init disables color when stderr is not a terminal or noColor is set,
// matching kraklabs-cie's InitColors/TTY-gating split across two files.
func Init(noColor bool) {
	color.NoColor = noColor || !isatty.IsTerminal(os.Stderr.Fd())
}

// Stage announces entry into one of the image builder's numbered steps.
func Stage(format string, args ...any) {
	stage.Fprintf(os.Stderr, "==> "+format+"\n", args...)
}

// OK announces successful completion of a step.
func OK(format string, args ...any) {
	ok.Fprintf(os.Stderr, "    "+format+"\n", args...)
}

// Warn announces a non-fatal problem: scriptlet/hook/rsync exit codes
// are observed and printed but do not abort the build.
func Warn(format string, args ...any) {
	warn.Fprintf(os.Stderr, "!!  "+format+"\n", args...)
}
