package sqljobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"oss.nandlabs.io/golly/lifecycle"
)

func TestMaintenanceComponent_StopCancelsRunner(t *testing.T) {
	started := make(chan struct{})
	comp := newMaintenanceComponent("test.component", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.NoError(t, comp.Start())
	<-started
	require.NoError(t, comp.Stop())
}

func TestMaintenanceComponent_ImplementsLifecycleComponent(t *testing.T) {
	comp := newMaintenanceComponent("test.component", func(ctx context.Context) error { return nil }, nil)
	var _ lifecycle.Component = comp

	require.NoError(t, comp.Start())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, comp.Stop())
}
