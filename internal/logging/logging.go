// Package logging wires up the process-wide structured logger.
//
// A single logiface.Logger is constructed at startup and threaded explicitly
// through the components that need it; there is no package-level global.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout echodispatch.
type Logger = logiface.Logger[*stumpy.Event]

// Config controls the construction of a Logger.
type Config struct {
	// Writer receives encoded log lines. Defaults to os.Stderr.
	Writer io.Writer

	// Level is the minimum level that will be logged. Defaults to
	// logiface.LevelInformational.
	Level logiface.Level
}

// New constructs a Logger per cfg. A zero Config yields sane defaults.
func New(cfg Config) *Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stderr
	}

	level := cfg.Level
	if level == 0 {
		level = logiface.LevelInformational
	}

	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(writer)),
		stumpy.L.WithLevel(level),
	)
}
