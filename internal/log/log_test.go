package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogrusLoggerLevels(t *testing.T) {
	tests := map[string]logrus.Level{
		"trace":  logrus.TraceLevel,
		"debug":  logrus.DebugLevel,
		"":       logrus.InfoLevel,
		"info":   logrus.InfoLevel,
		"warn":   logrus.WarnLevel,
		"error":  logrus.ErrorLevel,
		"chatty": logrus.InfoLevel,
	}

	for level, want := range tests {
		logger := NewLogrusLogger(level, &bytes.Buffer{})
		assert.Equal(t, want, logger.GetLevel(), level)
	}
}

func TestNewLogrusLoggerWritesJSON(t *testing.T) {
	out := &bytes.Buffer{}
	logger := NewLogrusLogger("info", out)

	logger.WithField("stage", "kernel").Info("stage complete")

	assert.Contains(t, out.String(), `"stage":"kernel"`)
	assert.Contains(t, out.String(), `"msg":"stage complete"`)
}

func TestSetLevel(t *testing.T) {
	InitLogger()

	SetLevel("debug")
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	SetLevel("error")
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))

	SetLevel("info")
}

func TestNewLogr(t *testing.T) {
	out := &bytes.Buffer{}
	l := NewLogr(NewLogrusLogger("info", out))

	l.Info("exporter started", "endpoint", "localhost:4317")

	assert.Contains(t, out.String(), "exporter started")
}
