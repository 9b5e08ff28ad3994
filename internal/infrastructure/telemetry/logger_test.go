package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		env     string
		want    zapcore.Level
		wantErr bool
	}{
		{level: "debug", env: "development", want: zapcore.DebugLevel},
		{level: "", env: "production", want: zapcore.InfoLevel},
		{level: "WARN", env: "staging", want: zapcore.WarnLevel},
		{level: "error", env: "test", want: zapcore.ErrorLevel},
		{level: "verbose", env: "test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.env, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			assert.False(t, logger.Core().Enabled(tt.want-1))
		})
	}
}
