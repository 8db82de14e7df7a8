package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
)

func TestSetupLogger_DevEnablesDebug(t *testing.T) {
	t.Parallel()
	logger := observability.SetupLogger("scalyclaw", "dev")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupLogger_ProdInfoOnly(t *testing.T) {
	t.Parallel()
	logger := observability.SetupLogger("scalyclaw", "prod")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()
	shutdown, err := observability.SetupTracing("", "scalyclaw", "dev")
	require.NoError(t, err)
	assert.Nil(t, shutdown)
}
