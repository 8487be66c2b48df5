package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"Warning", WARN, false},
		{" error ", ERROR, false},
		{"FATAL", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", TRACE.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestParseLogFormat(t *testing.T) {
	f, err := ParseLogFormat("")
	assert.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseLogFormat("JSON")
	assert.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}
