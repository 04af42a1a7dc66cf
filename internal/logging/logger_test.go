package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "debug", "json", "bookbuddy-intent"), "processor")

	logger.Debug().Str("session_id", "s-1").Msg("state changed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "bookbuddy-intent", line["service"])
	assert.Equal(t, "processor", line["component"])
	assert.Equal(t, "s-1", line["session_id"])
	assert.Equal(t, "state changed", line["message"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "chatty", "json", "svc")

	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
