package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8081", cfg.Node.Listen)
	assert.True(t, cfg.Collab.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Collab.InstanceTimeout)
	assert.Equal(t, 10*time.Second, cfg.Collab.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Collab.ClusterCleanupInterval)
	assert.Equal(t, time.Minute, cfg.Collab.LocalCleanupInterval)
	assert.Equal(t, BackendStatic, cfg.Access.Backend)
	assert.Equal(t, "public", cfg.Access.PostgresSchema)
}

func TestLoadDefaults(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	v.Set("auth.secret", "s3cret")
	v.Set("access.policy_file", "policy.yaml")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Node.ID, "node id is generated")
	assert.Equal(t, ":8081", cfg.Node.Listen)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Collab.InstanceTimeout)
	assert.True(t, cfg.Collab.Enabled)

	again, err := Load(v)
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Node.ID, again.Node.ID)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("COEDIT_NODE_ID", "node-7")
	t.Setenv("COEDIT_AUTH_SECRET", "from-env")
	t.Setenv("COEDIT_REDIS_ADDR", "redis:6379")
	t.Setenv("COEDIT_REDIS_DB", "2")
	t.Setenv("COEDIT_COLLAB_ENABLED", "false")
	t.Setenv("COEDIT_COLLAB_INSTANCE_TIMEOUT", "45s")
	t.Setenv("COEDIT_ACCESS_BACKEND", "http")
	t.Setenv("COEDIT_ACCESS_UPSTREAM_URL", "http://api:8055")
	t.Setenv("COEDIT_ACCESS_SINGLETONS", "settings,globals")

	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Node.ID)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.False(t, cfg.Collab.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Collab.InstanceTimeout)
	assert.Equal(t, BackendHTTP, cfg.Access.Backend)
	assert.Equal(t, "http://api:8055", cfg.Access.UpstreamURL)
	assert.Equal(t, []string{"settings", "globals"}, cfg.Access.Singletons)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  listen: ":9000"
auth:
  secret: file-secret
collab:
  heartbeat_interval: 5s
  local_cleanup_interval: 15s
access:
  backend: postgres
  postgres_dsn: postgres://localhost/app
  policy_file: /etc/coedit/policy.yaml
  singletons: [settings]
websocket:
  allowed_origins: ["https://app.example.com"]
`), 0o600))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Node.Listen)
	assert.Equal(t, "file-secret", cfg.Auth.Secret)
	assert.Equal(t, 5*time.Second, cfg.Collab.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Collab.LocalCleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.Collab.InstanceTimeout, "unset keys keep defaults")
	assert.Equal(t, BackendPostgres, cfg.Access.Backend)
	assert.Equal(t, []string{"settings"}, cfg.Access.Singletons)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.WebSocket.AllowedOrigins)
}

func TestNewMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	v.Set("access.backend", "ldap")

	_, err = Load(v)
	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"auth.secret", "access.backend"}, fields)
	assert.Contains(t, err.Error(), "2 validation errors")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.Secret = "s"
		cfg.Access.PolicyFile = "policy.yaml"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty listen", func(c *Config) { c.Node.Listen = "" }, "node.listen"},
		{"negative redis db", func(c *Config) { c.Redis.DB = -1 }, "redis.db"},
		{"no secret", func(c *Config) { c.Auth.Secret = "" }, "auth.secret"},
		{"zero timeout", func(c *Config) { c.Collab.InstanceTimeout = 0 }, "collab.instance_timeout"},
		{"heartbeat too slow", func(c *Config) { c.Collab.HeartbeatInterval = time.Minute }, "collab.heartbeat_interval"},
		{"zero cluster cleanup", func(c *Config) { c.Collab.ClusterCleanupInterval = 0 }, "collab.cluster_cleanup_interval"},
		{"zero local cleanup", func(c *Config) { c.Collab.LocalCleanupInterval = -time.Second }, "collab.local_cleanup_interval"},
		{"static without policy", func(c *Config) { c.Access.PolicyFile = "" }, "access.policy_file"},
		{"http without url", func(c *Config) { c.Access.Backend = BackendHTTP }, "access.upstream_url"},
		{"http relative url", func(c *Config) {
			c.Access.Backend = BackendHTTP
			c.Access.UpstreamURL = "api/v1"
		}, "access.upstream_url"},
		{"postgres without dsn", func(c *Config) { c.Access.Backend = BackendPostgres }, "access.postgres_dsn"},
		{"unknown backend", func(c *Config) { c.Access.Backend = "ldap" }, "access.backend"},
		{"empty singleton", func(c *Config) { c.Access.Singletons = []string{"settings", ""} }, "access.singletons"},
		{"zero message size", func(c *Config) { c.WebSocket.MaxMessageSize = 0 }, "websocket.max_message_size"},
	}

	require.Empty(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1, "%v", errs)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}
