package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetGlobalLogLevel(t *testing.T) {
	defer SetGlobalLogLevel("info")

	SetGlobalLogLevel("debug")
	assert.True(t, Zap().Core().Enabled(zapcore.DebugLevel))

	SetGlobalLogLevel("error")
	assert.False(t, Zap().Core().Enabled(zapcore.WarnLevel))
	assert.True(t, Zap().Core().Enabled(zapcore.ErrorLevel))

	SetGlobalLogLevel("not-a-level")
	assert.True(t, Zap().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, Zap().Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_SharesLevel(t *testing.T) {
	defer SetGlobalLogLevel("info")

	l := NewLogger("warn")
	assert.NotNil(t, l)
	assert.False(t, Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Zap().Core().Enabled(zapcore.WarnLevel))
}
