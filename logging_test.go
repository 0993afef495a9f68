package corlib

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFiltersBelowMinLevel(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LogWarn)

	l.Log(LogInfo, "test", "should not appear", nil)
	r.Empty(buf.String())

	l.Log(LogWarn, "test", "should appear", map[string]any{"key": "value"})
	out := buf.String()
	r.Contains(out, "WARN")
	r.Contains(out, "test")
	r.Contains(out, "should appear")
	r.Contains(out, "key=value")
}

func TestWriterLoggerDefaultsToStderr(t *testing.T) {
	r := require.New(t)
	l := NewWriterLogger(nil, LogDebug)
	r.NotNil(l.w)
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	require.NotPanics(t, func() {
		NoOpLogger{}.Log(LogError, "anything", "goes", map[string]any{"a": 1})
	})
}

func TestLogLevelString(t *testing.T) {
	r := require.New(t)
	r.Equal("DEBUG", LogDebug.String())
	r.Equal("INFO", LogInfo.String())
	r.Equal("WARN", LogWarn.String())
	r.Equal("ERROR", LogError.String())
	r.True(strings.HasPrefix(LogLevel(99).String(), "UNKNOWN"))
}
