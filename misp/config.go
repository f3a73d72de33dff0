package misp

import (
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the connector (§6.1), loaded
// from a *viper.Viper the host has already populated (file, env, flags —
// viper's layering, not ours to reimplement).
type Config struct {
	Interval           time.Duration
	GlobalCaseTemplate string
	GlobalTags         []string
	Instances          []InstanceConfig
}

// LoadConfig reads the recognized keys from §6.1 off v. Every key under
// "misp" other than "interval", "caseTemplate" and "tags" is treated as an
// instance name.
func LoadConfig(v *viper.Viper, httpClient *http.Client) (Config, error) {
	cfg := Config{
		Interval:           v.GetDuration("misp.interval"),
		GlobalCaseTemplate: v.GetString("misp.caseTemplate"),
		GlobalTags:         v.GetStringSlice("misp.tags"),
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	reserved := map[string]bool{"interval": true, "casetemplate": true, "tags": true}
	misp, _ := v.Get("misp").(map[string]interface{})
	for key := range misp {
		if reserved[key] {
			continue
		}
		prefix := "misp." + key
		url := v.GetString(prefix + ".url")
		apiKey := v.GetString(prefix + ".key")
		if url == "" || apiKey == "" {
			return Config{}, &ConfigError{Instance: key, Reason: "missing required url or key"}
		}
		tags := v.GetStringSlice(prefix + ".tags")
		if len(tags) == 0 {
			tags = cfg.GlobalTags
		}
		caseTemplate := v.GetString(prefix + ".caseTemplate")
		if caseTemplate == "" {
			caseTemplate = cfg.GlobalCaseTemplate
		}
		cfg.Instances = append(cfg.Instances, NewInstanceConfig(key, url, apiKey, caseTemplate, tags, httpClient))
	}
	return cfg, nil
}
