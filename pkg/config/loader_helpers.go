package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeConfigParse, "invalid yaml").WithContext("path", path)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeConfigParse, "invalid yaml").WithContext("path", path)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

func mergeConfigs(base, override *Config, raw map[string]any) {
	mergeString(&base.Remote.BaseURL, override.Remote.BaseURL)
	mergeString(&base.Remote.ControlPath, override.Remote.ControlPath)
	mergeString(&base.Remote.SocketPath, override.Remote.SocketPath)
	mergeString(&base.Remote.GuestTokenPath, override.Remote.GuestTokenPath)
	// An explicit empty alternate path disables the second multiplexed path.
	if fieldSet(raw, "remote", "socket_alt_path") {
		base.Remote.SocketAltPath = strings.TrimSpace(override.Remote.SocketAltPath)
	}
	if fieldSet(raw, "remote", "insecure_skip_verify") {
		base.Remote.InsecureSkipVerify = override.Remote.InsecureSkipVerify
	}

	if override.Transport.PreferenceDelay != 0 {
		base.Transport.PreferenceDelay = override.Transport.PreferenceDelay
	}
	if override.Transport.ConnectTimeout != 0 {
		base.Transport.ConnectTimeout = override.Transport.ConnectTimeout
	}
	if override.Transport.AlternatePathDelay != 0 {
		base.Transport.AlternatePathDelay = override.Transport.AlternatePathDelay
	}
	if override.Transport.PingInterval != 0 {
		base.Transport.PingInterval = override.Transport.PingInterval
	}
	if override.Transport.ReadLimit != 0 {
		base.Transport.ReadLimit = override.Transport.ReadLimit
	}
	if override.Transport.SendQueue != 0 {
		base.Transport.SendQueue = override.Transport.SendQueue
	}

	if override.Reconnect.BaseDelay != 0 {
		base.Reconnect.BaseDelay = override.Reconnect.BaseDelay
	}
	if override.Reconnect.MaxDelay != 0 {
		base.Reconnect.MaxDelay = override.Reconnect.MaxDelay
	}
	if fieldSet(raw, "reconnect", "jitter") {
		base.Reconnect.Jitter = override.Reconnect.Jitter
	}

	if fieldSet(raw, "auth", "required") {
		base.Auth.Required = override.Auth.Required
	}
	if v := strings.TrimSpace(override.Auth.Store); v != "" {
		base.Auth.Store = strings.ToLower(v)
	}
	mergeString(&base.Auth.StorePath, override.Auth.StorePath)
	mergeString(&base.Auth.StaticToken, override.Auth.StaticToken)
	if fieldSet(raw, "auth", "refresh_margin") {
		base.Auth.RefreshMargin = override.Auth.RefreshMargin
	}
	if override.Auth.RequestsPerSecond != 0 {
		base.Auth.RequestsPerSecond = override.Auth.RequestsPerSecond
	}

	mergeString(&base.Log.Level, override.Log.Level)
	mergeString(&base.Log.Format, override.Log.Format)
	mergeString(&base.Log.Dir, override.Log.Dir)

	mergeString(&base.Telemetry.MetricsAddr, override.Telemetry.MetricsAddr)
	if fieldSet(raw, "telemetry", "tracing") {
		base.Telemetry.Tracing = override.Telemetry.Tracing
	}
}

func mergeString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// fieldSet reports whether the YAML document named the key at path, so
// zero values (false, 0s, "") can be set explicitly.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func envValue(key string, configEnv map[string]string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if configEnv != nil {
		return strings.TrimSpace(configEnv[key])
	}
	return ""
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// loadConfigEnvVars reads KEY=VALUE pairs from ~/.browserlink/config.env.
func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(home, ".browserlink", "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	return vars
}
