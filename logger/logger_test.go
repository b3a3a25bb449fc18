package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger(level LogLevel) (Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewStandardLogger(log.New(buf, "", 0), level, "[test]"), buf
}

func TestLogLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(Warn)

	l.Debug("debug message")
	l.Info("info message")
	assert.Empty(t, buf.String())

	l.Warn("warn message")
	l.Error("error message")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "ERROR")
	assert.NotContains(t, out, "INFO")
}

func TestKeyValueFormatting(t *testing.T) {
	l, buf := newBufferLogger(Info)

	l.Info("request accepted", "source", "webhook", "status", 200)
	assert.Contains(t, buf.String(), "source=webhook")
	assert.Contains(t, buf.String(), "status=200")
}

func TestOddArgsDoNotPanic(t *testing.T) {
	l, buf := newBufferLogger(Info)

	l.Info("lonely key", "orphan")
	assert.Contains(t, buf.String(), "orphan=(no value)")
}

func TestLogModeReturnsIndependentLogger(t *testing.T) {
	l, buf := newBufferLogger(Error)

	verbose := l.LogMode(Debug)
	verbose.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	l.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel("debug"))
	assert.Equal(t, Warn, ParseLevel("warning"))
	assert.Equal(t, Info, ParseLevel("anything"))
	assert.Equal(t, Silent, ParseLevel("silent"))
}

func TestDiscard(t *testing.T) {
	// Must not panic and must accept any level.
	Discard.Info("ignored")
	assert.Equal(t, Discard, Discard.LogMode(Debug))
}
