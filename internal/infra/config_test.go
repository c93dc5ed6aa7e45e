package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  grpc_port: 9091
auth:
  enabled: false
masking:
  unreachable: placeholder
  rules:
    - {path: customer.ssn, capabilities: [pii.read], reveal_last: 4}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, ":9091", cfg.Server.GRPCAddr())
	assert.Equal(t, time.Minute, cfg.Engine.RateWindow)
	assert.True(t, cfg.Engine.PerAgentRate)
	assert.Equal(t, "mock", cfg.Executor.Kind)
	assert.Equal(t, "file", cfg.Policy.Source)
	assert.Equal(t, "configs/policies.yaml", cfg.Policy.Path)
	require.Len(t, cfg.Masking.Rules, 1)
	assert.Equal(t, 4, cfg.Masking.Rules[0].RevealLast)

	g, err := cfg.MaskingGraph()
	require.NoError(t, err)
	out := g.Apply(map[string]any{"customer": map[string]any{"ssn": "123-45-6789"}}, nil)
	assert.Equal(t, "*******6789", out["customer"].(map[string]any)["ssn"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRequiresKeyWhenAuthEnabled(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server: {port: 8080}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key is required")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Engine:   EngineConfig{ConfidenceComparator: "lt", DriftComparator: "gt"},
			Policy:   PolicyConfig{Source: "file", Path: "p.yaml"},
			Executor: ExecutorConfig{Kind: "mock"},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"comparator", func(c *Config) { c.Engine.ConfidenceComparator = "eq" }, "engine.confidence_comparator"},
		{"hash key", func(c *Config) { c.Engine.HashKey = string(make([]byte, 65)) }, "engine.hash_key"},
		{"masking mode", func(c *Config) { c.Masking.Unreachable = "blur" }, "masking.unreachable"},
		{"policy path", func(c *Config) { c.Policy.Path = "" }, "policy.path"},
		{"postgres policies", func(c *Config) { c.Policy.Source = "postgres" }, "database.url"},
		{"policy source", func(c *Config) { c.Policy.Source = "etcd" }, "policy.source"},
		{"grpc target", func(c *Config) { c.Executor.Kind = "grpc" }, "executor.target"},
		{"executor kind", func(c *Config) { c.Executor.Kind = "http" }, "executor.kind"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "public key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "govkernel:lock:warmup:agents", GetWarmupLockKey("agents"))
	assert.NotEqual(t, RedisChanSignals, RedisChanPolicyUpdate)
}
