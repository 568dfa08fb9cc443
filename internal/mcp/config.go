package mcp

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultHealthIntervalMs = 30000
	defaultHealthTimeoutMs  = 5000
	defaultHealthRetries    = 1
)

// criticalEnvVars is the allow-list of host environment variables carried
// into server processes. The caller's env values win over these.
var criticalEnvVars = []string{
	"PATH",
	"DOCKER_HOST",
	"DOCKER_CONFIG",
	"DOCKER_CERT_PATH",
	"HOME",
	"USER",
	"TERM",
	"SHELL",
}

// ParseServerConfig decodes an untyped config document (YAML or JSON),
// rejects unknown keys, validates, and fills defaults.
func ParseServerConfig(raw []byte) (*ServerConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg ServerConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, WrapError(KindInvalidConfiguration, "decode server config", err)
	}

	if err := ValidateServerConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateServerConfig checks a config record and fills defaults in place.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg == nil {
		return NewError(KindInvalidConfiguration, "config is nil")
	}
	if cfg.Command == "" {
		return NewError(KindInvalidConfiguration, "command is required")
	}

	hc := &cfg.HealthCheck
	if hc.Strategy == "" {
		hc.Strategy = HealthToolListing
	}
	switch hc.Strategy {
	case HealthToolListing, HealthPing, HealthSpecificTool, HealthCustom:
	default:
		return NewError(KindInvalidConfiguration, fmt.Sprintf("unknown health strategy %q", hc.Strategy))
	}

	if hc.IntervalMs == 0 {
		hc.IntervalMs = defaultHealthIntervalMs
	}
	if hc.IntervalMs < 0 {
		return NewError(KindInvalidConfiguration, "healthCheck.intervalMs must be positive")
	}
	if hc.TimeoutMs == 0 {
		hc.TimeoutMs = defaultHealthTimeoutMs
	}
	if hc.TimeoutMs < 0 {
		return NewError(KindInvalidConfiguration, "healthCheck.timeoutMs must be positive")
	}
	if hc.Retries != nil && *hc.Retries < 0 {
		return NewError(KindInvalidConfiguration, "healthCheck.retries must be >= 0")
	}

	if hc.Strategy == HealthSpecificTool {
		if hc.SpecificTool == nil || hc.SpecificTool.Name == "" {
			return NewError(KindInvalidConfiguration, "healthCheck.specificTool is required for the specific-tool strategy")
		}
	}

	return nil
}

// EffectiveEnv computes the environment handed to a server process: the
// critical-variable allow-list from the host environment, overlaid with
// the config's env. The config's values win.
func EffectiveEnv(configEnv map[string]string) map[string]string {
	env := make(map[string]string, len(criticalEnvVars)+len(configEnv))
	for _, key := range criticalEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range configEnv {
		env[k] = v
	}
	return env
}

// MergeConfig deep-merges a patch into an existing config and re-validates
// the result. Maps merge recursively, slices are replaced wholesale,
// scalars overwrite, and absent patch keys preserve the existing values.
// A running server must be restarted to pick up command/args/env changes.
func MergeConfig(existing *ServerConfig, patch map[string]any) (*ServerConfig, error) {
	base, err := configToMap(existing)
	if err != nil {
		return nil, err
	}

	merged := deepMerge(base, patch)

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, WrapError(KindInvalidConfiguration, "encode merged config", err)
	}
	out, err := ParseServerConfig(data)
	if err != nil {
		return nil, err
	}
	// The custom health check capability is not serializable; carry it over.
	if out.HealthCheck.Custom == nil {
		out.HealthCheck.Custom = existing.HealthCheck.Custom
	}
	return out, nil
}

func configToMap(cfg *ServerConfig) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, WrapError(KindInvalidConfiguration, "encode config", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, WrapError(KindInvalidConfiguration, "decode config", err)
	}
	return m, nil
}

// deepMerge merges patch into base: nested maps merge recursively, every
// other value (including slices) replaces, and nil patch values preserve
// the base.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			continue
		}
		if pm, ok := toStringMap(pv); ok {
			if bm, ok := toStringMap(out[k]); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
