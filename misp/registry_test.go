package misp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misp-sync/connector/misp"
)

func TestInstanceRegistryGetAndAll(t *testing.T) {
	a := misp.NewInstanceConfig("a", "https://a.example", "key-a", "", nil, nil)
	b := misp.NewInstanceConfig("b", "https://b.example", "key-b", "", nil, nil)
	registry := misp.NewInstanceRegistry([]misp.InstanceConfig{a, b})

	got, err := registry.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", got.BaseURL)

	_, err = registry.Get("missing")
	require.Error(t, err)
	var ce *misp.ConfigError
	require.ErrorAs(t, err, &ce)

	assert.Len(t, registry.All(), 2)
}

func TestInstanceConfigStringNeverLeaksAPIKey(t *testing.T) {
	inst := misp.NewInstanceConfig("demo", "https://misp.example", "top-secret-key", "", nil, nil)
	assert.NotContains(t, inst.String(), "top-secret-key")
}
