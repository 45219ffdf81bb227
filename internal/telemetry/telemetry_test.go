package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchline/internal/config"
)

func TestDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{}, "test", nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	counter, err := p.Meter.Meter("test").Int64Counter("noop.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStdoutExportsSpans(t *testing.T) {
	var out bytes.Buffer
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Stdout: true}, "test", &out)
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer.Tracer("test").Start(context.Background(), "governor.scan")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, out.String(), "governor.scan")
	assert.Contains(t, out.String(), ServiceName)
}
