// Package config loads node configuration with viper. Every key can be set
// in a YAML file, or through an environment variable named COEDIT_ plus
// the upper-cased key with dots replaced by underscores, for example
// COEDIT_COLLAB_INSTANCE_TIMEOUT=45s.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/coedit/internal/cluster"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "COEDIT"

// Access backends
const (
	BackendStatic   = "static"
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
)

// Config is the complete node configuration
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Collab    CollabConfig    `mapstructure:"collab"`
	Access    AccessConfig    `mapstructure:"access"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// NodeConfig identifies the process
type NodeConfig struct {
	// ID is random per start when empty.
	ID     string `mapstructure:"id"`
	Listen string `mapstructure:"listen"`
}

// RedisConfig points at the shared substrate. An empty Addr runs the node
// on an in-process store and bus, which only works for a single node.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds the token signing secret shared with the application
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// CollabConfig tunes collaboration and cluster liveness
type CollabConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	InstanceTimeout        time.Duration `mapstructure:"instance_timeout"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	ClusterCleanupInterval time.Duration `mapstructure:"cluster_cleanup_interval"`
	LocalCleanupInterval   time.Duration `mapstructure:"local_cleanup_interval"`
}

// AccessConfig selects where permissions and records are read from
type AccessConfig struct {
	Backend        string        `mapstructure:"backend"`
	PolicyFile     string        `mapstructure:"policy_file"`
	UpstreamURL    string        `mapstructure:"upstream_url"`
	UpstreamToken  string        `mapstructure:"upstream_token"`
	SchemaTTL      time.Duration `mapstructure:"schema_ttl"`
	PostgresDSN    string        `mapstructure:"postgres_dsn"`
	PostgresSchema string        `mapstructure:"postgres_schema"`
	Singletons     []string      `mapstructure:"singletons"`
}

// WebSocketConfig tunes the client transport
type WebSocketConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{Listen: ":8081"},
		Collab: CollabConfig{
			Enabled:                true,
			InstanceTimeout:        30 * time.Second,
			HeartbeatInterval:      10 * time.Second,
			ClusterCleanupInterval: time.Minute,
			LocalCleanupInterval:   time.Minute,
		},
		Access: AccessConfig{
			Backend:        BackendStatic,
			SchemaTTL:      time.Minute,
			PostgresSchema: "public",
		},
		WebSocket: WebSocketConfig{MaxMessageSize: 1 << 20},
	}
}

// SetDefaults registers every key with its default on v. Keys must be
// registered for environment variables to be picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("node.listen", d.Node.Listen)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("auth.secret", d.Auth.Secret)

	v.SetDefault("collab.enabled", d.Collab.Enabled)
	v.SetDefault("collab.instance_timeout", d.Collab.InstanceTimeout)
	v.SetDefault("collab.heartbeat_interval", d.Collab.HeartbeatInterval)
	v.SetDefault("collab.cluster_cleanup_interval", d.Collab.ClusterCleanupInterval)
	v.SetDefault("collab.local_cleanup_interval", d.Collab.LocalCleanupInterval)

	v.SetDefault("access.backend", d.Access.Backend)
	v.SetDefault("access.policy_file", d.Access.PolicyFile)
	v.SetDefault("access.upstream_url", d.Access.UpstreamURL)
	v.SetDefault("access.upstream_token", d.Access.UpstreamToken)
	v.SetDefault("access.schema_ttl", d.Access.SchemaTTL)
	v.SetDefault("access.postgres_dsn", d.Access.PostgresDSN)
	v.SetDefault("access.postgres_schema", d.Access.PostgresSchema)
	v.SetDefault("access.singletons", d.Access.Singletons)

	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
}

// New returns a viper instance with defaults and environment binding set
// up. When file is not empty it is read as the config file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load reads v into a Config, fills the node id and validates the result
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = cluster.NewNodeID()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
