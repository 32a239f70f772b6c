package buildlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestNewSubsystemLoggerReturnsSameInstanceForSameTag(t *testing.T) {
	a := NewSubsystemLogger("TEST-TAG-A")
	b := NewSubsystemLogger("TEST-TAG-A")
	require.Same(t, a, b)
}

func TestNewSubsystemLoggerReturnsDistinctLoggersForDistinctTags(t *testing.T) {
	a := NewSubsystemLogger("TEST-TAG-B1")
	b := NewSubsystemLogger("TEST-TAG-B2")
	require.NotSame(t, a, b)
}

func TestSetLogLevelsAppliesToAllRegisteredLoggers(t *testing.T) {
	l := NewSubsystemLogger("TEST-TAG-C")
	l.SetLevel(btclog.LevelInfo)

	SetLogLevels(btclog.LevelError)
	require.Equal(t, btclog.LevelError, l.Level())

	SetLogLevels(btclog.LevelInfo)
	require.Equal(t, btclog.LevelInfo, l.Level())
}

func TestInitLogRotatorWritesToFileAndRebindsExistingLoggers(t *testing.T) {
	l := NewSubsystemLogger("TEST-TAG-D")
	l.SetLevel(btclog.LevelInfo)

	logPath := filepath.Join(t.TempDir(), "lightningd.log")
	require.NoError(t, InitLogRotator(logPath, 10))

	rebound := NewSubsystemLogger("TEST-TAG-D")
	require.NotSame(t, l, rebound, "rotator init should rebind existing loggers to the new backend")

	again := NewSubsystemLogger("TEST-TAG-D")
	require.Same(t, rebound, again)

	rebound.Info("hello from test")

	_, err := os.Stat(logPath)
	require.NoError(t, err)
}
