// Package diag is kisspp's thin logging layer, modeled on the pack's habit
// of never reaching for a structured-logging library for a CLI tool like
// this: the teacher's own code (pcap.go, gnet/http/parser_factory.go)
// diagnoses with bare fmt.Println/Printf, and the m-lab repos in the pack
// configure the standard logger with
// log.SetFlags(log.LstdFlags | log.Lshortfile) and nothing more. diag
// follows both: a leveled Logger for the --debug/--verbose counters of §6,
// plus package-level Printf/Println-style helpers for one-off prints.
package diag

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level selects which diagnostics a Logger emits, mapped from the CLI's
// --debug N / --verbose flags (§6).
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelVerbose
)

// Logger wraps a standard library *log.Logger with a minimum level.
type Logger struct {
	level Level
	std   *log.Logger
}

// New returns a Logger writing to w with the given prefix and minimum
// level, using log.LstdFlags|log.Lshortfile like the pack's m-lab repos do
// in their cmd/main.go entry points.
func New(w io.Writer, prefix string, level Level) *Logger {
	return &Logger{
		level: level,
		std:   log.New(w, prefix, log.LstdFlags|log.Lshortfile),
	}
}

// Default returns a Logger writing to os.Stderr at LevelInfo.
func Default() *Logger {
	return New(os.Stderr, "kisspp: ", LevelInfo)
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level > l.level {
		return
	}
	l.std.Output(3, fmt.Sprintf(format, args...))
}

// Errorf logs unconditionally: errors are always worth seeing.
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// Infof logs at LevelInfo and above.
func (l *Logger) Infof(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Debugf logs at LevelDebug and above (the CLI's --debug N counters, §6).
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Verbosef logs only at LevelVerbose (the CLI's --verbose flag, §6).
func (l *Logger) Verbosef(format string, args ...any) { l.log(LevelVerbose, format, args...) }

// Println is a plain one-off print with no level check, for the
// operator-facing --stats / --print-probs output (§6, §12) where the
// teacher's own code reaches for bare fmt.Println rather than a Logger.
func Println(args ...any) {
	fmt.Println(args...)
}

// Printf is Println's formatted counterpart.
func Printf(format string, args ...any) {
	fmt.Printf(format, args...)
}
