// Package buildlog wires a single btclog backend out to every subsystem
// logger in the daemon, the way lnd's log.go does for its packages.
package buildlog

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate"
)

// Backend is the process-wide logging backend. Every subsystem logger is
// created from it so that log level and output can be changed in one place.
var Backend = btclog.NewBackend(os.Stdout)

// subsystemLoggers tracks every logger created through NewSubsystemLogger so
// that SetLogLevels can adjust all of them at once.
var subsystemLoggers = make(map[string]btclog.Logger)

// NewSubsystemLogger creates (or returns the existing) logger tagged with
// the given subsystem short-code, e.g. "PEER", "CHAN", "FND".
func NewSubsystemLogger(tag string) btclog.Logger {
	if l, ok := subsystemLoggers[tag]; ok {
		return l
	}
	l := Backend.Logger(tag)
	subsystemLoggers[tag] = l
	return l
}

// SetLogLevels sets the log level for every registered subsystem logger.
func SetLogLevels(level btclog.Level) {
	for _, l := range subsystemLoggers {
		l.SetLevel(level)
	}
}

// InitLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before
// the log rotator is used, otherwise logs will not be written to disk.
func InitLogRotator(logFile string, maxSize int64) error {
	r, err := logrotate.NewRotator(logFile, maxSize)
	if err != nil {
		return err
	}

	Backend = btclog.NewBackend(r)
	for tag, l := range subsystemLoggers {
		_ = l
		subsystemLoggers[tag] = Backend.Logger(tag)
	}

	return nil
}
