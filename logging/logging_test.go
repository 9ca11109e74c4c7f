package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("warn", "json", &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("tenant_id", "acme").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "payroll-engine", line["service"])
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("loud", "console", &buf)

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
