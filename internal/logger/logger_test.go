package logger_test

import (
	"crewlink/backend/internal/logger"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in).Level(), in)
	}
}

func TestNew_Production(t *testing.T) {
	log, err := logger.New(logger.Config{Environment: "production", Level: "warn", Service: "realtime"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestModule_NilSafe(t *testing.T) {
	assert.NotNil(t, logger.Module(nil, "bus"))
}
