package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/freestays/passguard/internal/domain"
)

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		var buf bytes.Buffer
		shutdown, err := Setup(domain.TracingConfig{}, "test", &buf)
		require.NoError(t, err)
		assert.NoError(t, shutdown(ctx))
		assert.Zero(t, buf.Len())
	})

	t.Run("ExportsOnShutdown", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		t.Cleanup(func() { otel.SetTracerProvider(prev) })

		var buf bytes.Buffer
		shutdown, err := Setup(domain.TracingConfig{Enabled: true, SampleRatio: 1}, "v1.2.3", &buf)
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(ctx, "quote booking")
		span.End()
		require.NoError(t, shutdown(ctx))

		out := buf.String()
		assert.Contains(t, out, "quote booking")
		assert.Contains(t, out, "v1.2.3")
		assert.Contains(t, out, "passguard")
	})
}
