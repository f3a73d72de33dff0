package misp

import (
	"fmt"
	"net/http"
	"time"
)

// InstanceConfig is a configured MISP server (§3). It is immutable for the
// process lifetime once built by LoadConfig or NewInstanceConfig.
type InstanceConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	CaseTemplate string
	ArtifactTags []string
	HTTPClient   *http.Client
}

// InstanceRegistry holds the set of configured MISP instances (§4.4). It
// exclusively owns InstanceConfig for the process lifetime (§3).
type InstanceRegistry struct {
	instances map[string]InstanceConfig
}

// NewInstanceRegistry builds a registry from already-resolved instance
// configs, keyed by Name; the order given is not kept.
func NewInstanceRegistry(instances []InstanceConfig) *InstanceRegistry {
	m := make(map[string]InstanceConfig, len(instances))
	for _, inst := range instances {
		m[inst.Name] = inst
	}
	return &InstanceRegistry{instances: m}
}

// Get looks up an instance by name, raising ConfigError if unknown (§7).
func (r *InstanceRegistry) Get(name string) (InstanceConfig, error) {
	inst, ok := r.instances[name]
	if !ok {
		return InstanceConfig{}, &ConfigError{Instance: name, Reason: "unknown instance"}
	}
	return inst, nil
}

// All returns every configured instance. Order is unspecified; callers
// that need determinism should sort by Name.
func (r *InstanceRegistry) All() []InstanceConfig {
	out := make([]InstanceConfig, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// defaultHTTPTimeout mirrors the teacher's NewCon/NewInsecureCon default of
// relying on the shared client's own timeout configuration; §5 states "HTTP
// requests inherit the platform's default client timeouts; no explicit
// per-request timeout is defined here", so this is only used when the host
// supplies no client at all.
const defaultHTTPTimeout = 30 * time.Second

// NewInstanceConfig builds one InstanceConfig, falling back to a plain
// *http.Client with defaultHTTPTimeout when httpClient is nil.
func NewInstanceConfig(name, baseURL, apiKey, caseTemplate string, tags []string, httpClient *http.Client) InstanceConfig {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return InstanceConfig{
		Name:         name,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		CaseTemplate: caseTemplate,
		ArtifactTags: tags,
		HTTPClient:   httpClient,
	}
}

// String renders the instance without ever including the API key (§3:
// "apiKey never logged").
func (c InstanceConfig) String() string {
	return fmt.Sprintf("InstanceConfig{Name:%s, BaseURL:%s}", c.Name, c.BaseURL)
}
