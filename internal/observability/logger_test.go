package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stapply-ai/agent/internal/config"
)

func TestGetLoggerBeforeInitialize(t *testing.T) {
	// Must never return nil, even before InitializeLogger runs.
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Debug("fallback logger is usable")
}

func TestInitializeLoggerIsIdempotent(t *testing.T) {
	InitializeLogger(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "test"})
	first := GetLogger()

	// Second call is a no-op; the stored logger must not change.
	InitializeLogger(config.LoggerConfig{Level: "error", Format: "console", ServiceName: "other"})
	assert.Same(t, first, GetLogger())
}

func TestInitializeLoggerBadLevelFallsBack(t *testing.T) {
	// Initialization must not fail on an unparsable level string.
	InitializeLogger(config.LoggerConfig{Level: "not-a-level", Format: "json", ServiceName: "test"})
	require.NotNil(t, GetLogger())
}
