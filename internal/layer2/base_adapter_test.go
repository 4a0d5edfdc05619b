package layer2

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseAdapterLifecycleWithoutProbe(t *testing.T) {
	b := NewBaseAdapter(ProtocolLightning, nil, nil, nil)
	require.Equal(t, Uninitialized, b.State())

	require.NoError(t, b.MarkInitialized())
	require.NoError(t, b.BeginConnect(context.Background()))
	require.NoError(t, b.FinishConnect())
	require.Equal(t, Connected, b.State())
	require.NoError(t, b.RequireConnected())

	require.NoError(t, b.Disconnect())
	require.Error(t, b.RequireConnected())
}

func TestBaseAdapterProbeLoopDegradesAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	b := NewBaseAdapter(ProtocolRGB, nil, nil, func(ctx context.Context) (ProtocolHealth, error) {
		return ProtocolHealth{Healthy: healthy.Load()}, nil
	})
	b.probeInterval = 5 * time.Millisecond

	require.NoError(t, b.MarkInitialized())
	require.NoError(t, b.BeginConnect(context.Background()))
	require.NoError(t, b.FinishConnect())

	healthy.Store(false)
	require.Eventually(t, func() bool {
		return b.State() == Degraded
	}, 200*time.Millisecond, 5*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		return b.State() == Connected
	}, 200*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, b.Terminate())
}
