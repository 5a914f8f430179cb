// Package trace provides the structured, high-volume logging used by the
// instruction executor, syscall translator, and coherence engine.
//
// It mirrors the teacher's logging convention (a custom slog.Level above
// slog.LevelInfo for per-instruction/per-event tracing, enabled separately
// from normal diagnostics) instead of inventing a parallel logging stack.
package trace

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// LevelTrace is one step above slog.LevelInfo, used for per-tick and
// per-instruction detail that is too noisy to enable by default.
const LevelTrace slog.Level = slog.LevelInfo + 1

// Enabled gates Trace output. It is a package variable, not a flag, because
// tracing is toggled by embedders (tests, cmd/coresim-run) rather than by
// this package parsing configuration itself.
var Enabled = false

// Trace logs msg and its key-value args at LevelTrace when tracing is
// enabled. It is a no-op otherwise so hot loops (one call per guest
// instruction) don't pay slog's formatting cost.
func Trace(msg string, args ...any) {
	if !Enabled {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// Fatalf logs msg as an error, for the "terminate the simulator with a
// diagnostic" propagation policy in spec §7. It returns nothing; callers
// still decide whether to actually stop the machine.
func Fatalf(msg string, args ...any) {
	slog.Error(msg, args...)
}

var titleCaser = cases.Title(language.English)

// TitleCase renders s (e.g. a signal, side, or coherence-state name) in
// Title case for diagnostics, e.g. "FUTEX" -> "Futex".
func TitleCase(s string) string {
	return titleCaser.String(strings.ToLower(s))
}
