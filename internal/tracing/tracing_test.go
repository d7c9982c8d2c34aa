package tracing

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

var quiet = slog.New(slog.DiscardHandler)

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		p, err := Setup(ctx, domain.TracingConfig{}, "test", quiet)
		require.NoError(t, err)
		assert.False(t, p.Enabled())
		assert.NoError(t, p.Shutdown(ctx))
	})

	t.Run("MissingEndpoint", func(t *testing.T) {
		_, err := Setup(ctx, domain.TracingConfig{Enabled: true}, "test", quiet)
		var cfgErr *domain.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "tracing.endpoint", cfgErr.Field)
	})

	t.Run("MissingCA", func(t *testing.T) {
		_, err := Setup(ctx, domain.TracingConfig{
			Enabled:  true,
			Endpoint: "localhost:4317",
			CAPath:   filepath.Join(t.TempDir(), "missing.pem"),
		}, "test", quiet)
		assert.ErrorContains(t, err, "collector CA")
	})
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
