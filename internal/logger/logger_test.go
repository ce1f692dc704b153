package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Production(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "production")

	log.Debug("hidden")
	log.Info("shown", "room", "482913")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "482913", entry["room"])
}

func TestNew_DevelopmentLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "development")

	log.Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
	assert.Contains(t, buf.String(), "level=DEBUG")
}
