package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitorTracksTransitions(t *testing.T) {
	var recovered []string
	m := NewMonitor(nil, func(site string) { recovered = append(recovered, site) }, 0, quietLogger())

	m.NetworkOK("deep-blue")
	assert.Empty(t, recovered, "online to online is not a recovery")

	m.NetworkFailed("deep-blue", errors.New("timeout"))
	m.NetworkFailed("deep-blue", errors.New("timeout"))
	m.NetworkFailed("coral-bay", errors.New("timeout"))
	assert.Equal(t, []string{"coral-bay", "deep-blue"}, m.OfflineSites())

	m.NetworkOK("deep-blue")
	m.NetworkOK("deep-blue")
	assert.Equal(t, []string{"deep-blue"}, recovered)
	assert.False(t, m.Offline("deep-blue"))
	assert.True(t, m.Offline("coral-bay"))
}

func TestMonitorProbeOnlyOfflineSites(t *testing.T) {
	var probed []string
	probe := func(_ context.Context, site string) error {
		probed = append(probed, site)
		if site == "coral-bay" {
			return errors.New("still down")
		}
		return nil
	}
	m := NewMonitor(probe, nil, 0, quietLogger())
	m.ProbeOnce(context.Background())
	assert.Empty(t, probed)

	m.NetworkFailed("deep-blue", errors.New("reset"))
	m.NetworkFailed("coral-bay", errors.New("reset"))
	m.ProbeOnce(context.Background())
	assert.Equal(t, []string{"coral-bay", "deep-blue"}, probed)
	assert.Equal(t, []string{"coral-bay"}, m.OfflineSites())
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	m := NewMonitor(func(context.Context, string) error { return nil }, nil, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
