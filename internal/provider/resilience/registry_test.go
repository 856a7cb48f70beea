package resilience_test

import (
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livestatus/livestatus/internal/provider/resilience"
)

func register(registry *resilience.Registry, name string) *resilience.Client {
	cfg := resilience.DefaultClientConfig(name)
	cfg.Registry = registry
	return resilience.NewClient(cfg)
}

func TestRegistry_RegisterAndHealth(t *testing.T) {
	registry := resilience.NewRegistry()
	client := register(registry, "status-api")

	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, "status-api", client.Name())

	health := registry.Health("status-api")
	require.NotNil(t, health)
	assert.Equal(t, "status-api", health.Name)
	assert.Equal(t, gobreaker.StateClosed, health.CircuitState)
	assert.True(t, health.IsHealthy())
	assert.False(t, health.IsDegraded())
	assert.False(t, health.IsUnhealthy())
}

func TestRegistry_Unregister(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "status-api")

	registry.Unregister("status-api")

	assert.Equal(t, 0, registry.Len())
	assert.Nil(t, registry.Health("status-api"))
}

func TestRegistry_RecordOutcomes(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "probe-batch")

	health := registry.Health("probe-batch")
	require.NotNil(t, health)
	assert.Nil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)

	registry.RecordSuccess("probe-batch")
	registry.RecordFailure("probe-batch", assert.AnError)

	health = registry.Health("probe-batch")
	require.NotNil(t, health.LastSuccessAt)
	require.NotNil(t, health.LastFailureAt)
	assert.WithinDuration(t, time.Now(), *health.LastSuccessAt, time.Second)
	assert.Equal(t, assert.AnError.Error(), health.LastError)
}

func TestRegistry_AllAndNamesAreOrdered(t *testing.T) {
	registry := resilience.NewRegistry()
	assert.Empty(t, registry.Names())

	for _, name := range []string{"webhook", "status-api", "probe-batch"} {
		register(registry, name)
	}

	assert.Equal(t, []string{"probe-batch", "status-api", "webhook"}, registry.Names())

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "probe-batch", all[0].Name)
	for _, h := range all {
		assert.Equal(t, gobreaker.StateClosed, h.CircuitState)
	}
}

func TestRegistry_UnknownNamesIgnored(t *testing.T) {
	registry := resilience.NewRegistry()

	registry.RecordSuccess("nonexistent")
	registry.RecordFailure("nonexistent", assert.AnError)

	assert.Nil(t, registry.Health("nonexistent"))
}

func TestUpstreamHealth_States(t *testing.T) {
	tests := []struct {
		state       gobreaker.State
		isHealthy   bool
		isDegraded  bool
		isUnhealthy bool
	}{
		{gobreaker.StateClosed, true, false, false},
		{gobreaker.StateHalfOpen, false, true, false},
		{gobreaker.StateOpen, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := &resilience.UpstreamHealth{CircuitState: tt.state}
			assert.Equal(t, tt.isHealthy, h.IsHealthy())
			assert.Equal(t, tt.isDegraded, h.IsDegraded())
			assert.Equal(t, tt.isUnhealthy, h.IsUnhealthy())
		})
	}
}
