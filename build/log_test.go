package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func newTestLogWriter() *RotatingLogWriter {
	w := NewRotatingLogWriter()
	w.RegisterSubLogger("CHDB", w.GenSubLogger("CHDB"))
	w.RegisterSubLogger("CFSM", w.GenSubLogger("CFSM"))

	return w
}

// TestParseAndSetDebugLevels checks global and per subsystem level parsing.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	w := newTestLogWriter()

	require.NoError(t, ParseAndSetDebugLevels("debug", w))
	for _, logger := range w.SubLoggers() {
		require.Equal(t, btclog.LevelDebug, logger.Level())
	}

	require.NoError(t, ParseAndSetDebugLevels("info,CFSM=trace", w))
	require.Equal(t, btclog.LevelInfo, w.SubLoggers()["CHDB"].Level())
	require.Equal(t, btclog.LevelTrace, w.SubLoggers()["CFSM"].Level())

	require.Equal(t, []string{"CFSM", "CHDB"}, w.SupportedSubsystems())
}

// TestParseAndSetDebugLevelsInvalid covers the rejected formats.
func TestParseAndSetDebugLevelsInvalid(t *testing.T) {
	t.Parallel()

	w := newTestLogWriter()

	require.Error(t, ParseAndSetDebugLevels("loud", w))
	require.Error(t, ParseAndSetDebugLevels("info,NOPE=debug", w))
	require.Error(t, ParseAndSetDebugLevels("info,CHDB=loud", w))
	require.Error(t, ParseAndSetDebugLevels("info,CHDB", w))
}

// TestShutdownLogger asserts that critical logs request a shutdown.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var calls int
	logger := NewShutdownLogger(btclog.Disabled, func() { calls++ })

	logger.Critical("boom")
	logger.Criticalf("boom %d", 2)
	require.Equal(t, 2, calls)
}

// TestSupportedLogCompressor checks the compressor names accepted in config.
func TestSupportedLogCompressor(t *testing.T) {
	t.Parallel()

	require.True(t, SupportedLogCompressor(Gzip))
	require.True(t, SupportedLogCompressor(Zstd))
	require.False(t, SupportedLogCompressor("lz4"))
}
