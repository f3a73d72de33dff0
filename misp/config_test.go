package misp_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misp-sync/connector/misp"
)

const sampleYAML = `
misp:
  interval: 30m
  caseTemplate: global-template
  tags:
    - team:soc
  demo:
    url: https://misp.example
    key: secret-key
    tags:
      - src:demo-override
  other:
    url: https://misp2.example
    key: other-key
`

func loadTestViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return v
}

func TestLoadConfigParsesInstancesAndDefaults(t *testing.T) {
	v := loadTestViper(t, sampleYAML)
	cfg, err := misp.LoadConfig(v, nil)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Interval)
	assert.Equal(t, "global-template", cfg.GlobalCaseTemplate)
	assert.Equal(t, []string{"team:soc"}, cfg.GlobalTags)
	require.Len(t, cfg.Instances, 2)

	byName := map[string]misp.InstanceConfig{}
	for _, inst := range cfg.Instances {
		byName[inst.Name] = inst
	}
	require.Contains(t, byName, "demo")
	require.Contains(t, byName, "other")
	assert.Equal(t, "https://misp.example", byName["demo"].BaseURL)
	assert.Equal(t, []string{"src:demo-override"}, byName["demo"].ArtifactTags)
	// "other" has no instance-level tags, so it inherits the global set.
	assert.Equal(t, []string{"team:soc"}, byName["other"].ArtifactTags)
	assert.Equal(t, "global-template", byName["other"].CaseTemplate)
}

func TestLoadConfigDefaultsIntervalToOneHour(t *testing.T) {
	v := loadTestViper(t, "misp:\n  demo:\n    url: https://misp.example\n    key: k\n")
	cfg, err := misp.LoadConfig(v, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Interval)
}

func TestLoadConfigMissingURLIsConfigError(t *testing.T) {
	v := loadTestViper(t, "misp:\n  demo:\n    key: k\n")
	_, err := misp.LoadConfig(v, nil)
	require.Error(t, err)
	var ce *misp.ConfigError
	require.ErrorAs(t, err, &ce)
}
