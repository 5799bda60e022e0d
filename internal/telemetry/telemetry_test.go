package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestEnabledProviderShutsDown(t *testing.T) {
	// The exporter connects lazily, so no collector is needed to build it.
	p, err := NewProvider(context.Background(), Config{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:1",
		Insecure: true,
	})
	require.NoError(t, err)

	counter, err := p.Meter("test").Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Flushing to an unreachable collector fails; shutdown still completes.
	_ = p.Shutdown(ctx)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
