package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	require.NoError(t, err)
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, err := NewStructuredLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, INFO, logger.GetLevel())

	_, err = NewStructuredLogger(&StructuredLoggerConfig{Level: INFO})
	assert.Error(t, err, "nil output must be rejected")
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug must be filtered at INFO")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "[INFO] info message")

	buf.Reset()
	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "[WARN] warn message")

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("dropped")
	assert.Zero(t, buf.Len())
}

func TestTextFormatSortsFields(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.WithComponent("pool").Info("handler created", map[string]interface{}{
		"realm": "sftp://example.com:22",
		"id":    7,
	})

	line := buf.String()
	assert.Contains(t, line, "handler created {component=pool, id=7, realm=sftp://example.com:22}")
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithField("realm", "nfs://filer:2049").Warn("keep-alive failed", map[string]interface{}{
		"error": "timeout",
	})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "keep-alive failed", entry.Message)
	assert.Equal(t, "nfs://filer:2049", entry.Fields["realm"])
	assert.Equal(t, "timeout", entry.Fields["error"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	child := logger.WithField("handler", 1)
	child.Info("child")
	logger.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "handler=1")
	assert.NotContains(t, lines[1], "handler=1")
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("monitor", WARN)

	monitor := logger.WithComponent("monitor")
	monitor.Info("suppressed")
	assert.Zero(t, buf.Len())

	monitor.Warn("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestIncludeCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		IncludeCaller: true,
	})
	require.NoError(t, err)

	logger.Info("value=42")
	assert.Contains(t, buf.String(), "structured_logger_test.go")
	assert.Contains(t, buf.String(), "value=42")
}

func TestConcurrentLogging(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithField("worker", i).Info("tick")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing happens")
	logger.WithComponent("x").Warn("still nothing")
}
