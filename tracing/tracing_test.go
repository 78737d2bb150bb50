package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProvider(t *testing.T) {
	provider, err := NewProvider(Config{})
	require.NoError(t, err)
	require.False(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "job")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestFileExporter(t *testing.T) {
	t.Run("requires a path", func(tt *testing.T) {
		_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
		require.ErrorIs(tt, err, ErrFilePathRequired)
	})

	t.Run("spans are written on shutdown", func(tt *testing.T) {
		path := filepath.Join(tt.TempDir(), "traces.json")

		provider, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path})
		require.NoError(tt, err)
		require.True(tt, provider.Enabled())

		_, span := provider.Tracer().Start(context.Background(), "analyze")
		require.True(tt, span.SpanContext().IsValid())
		span.End()

		require.NoError(tt, provider.Shutdown(context.Background()))

		data, err := os.ReadFile(path)
		require.NoError(tt, err)
		require.Contains(tt, string(data), `"analyze"`)
	})
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
}
