// Package util provides logging and traffic counters shared by every package.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess is LogInfo with a distinct call site for milestones.
func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// Logf logs at debug level with structured key/value arguments, used on hot
// paths such as per-message tracing.
func Logf(msg string, kv ...any) {
	if !DebugEnabled() {
		return
	}
	pterm.DefaultLogger.Debug(msg, pterm.DefaultLogger.Args(kv...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl != pterm.LogLevelDisabled && lvl <= pterm.LogLevelDebug
}
