package config

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/exp/slices"
)

// ValidationError is one invalid setting
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Backends lists the supported access backends
func Backends() []string {
	return []string{BackendStatic, BackendHTTP, BackendPostgres}
}

// Validate returns every problem found in c
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Node.Listen == "" {
		add("node.listen", c.Node.Listen, "must not be empty")
	}
	if c.Redis.DB < 0 {
		add("redis.db", c.Redis.DB, "must not be negative")
	}
	if c.Auth.Secret == "" {
		add("auth.secret", "", "must be set")
	}

	if c.Collab.InstanceTimeout <= 0 {
		add("collab.instance_timeout", c.Collab.InstanceTimeout, "must be positive")
	}
	if c.Collab.HeartbeatInterval <= 0 {
		add("collab.heartbeat_interval", c.Collab.HeartbeatInterval, "must be positive")
	} else if c.Collab.InstanceTimeout > 0 && c.Collab.HeartbeatInterval >= c.Collab.InstanceTimeout {
		add("collab.heartbeat_interval", c.Collab.HeartbeatInterval, "must be shorter than collab.instance_timeout")
	}
	if c.Collab.ClusterCleanupInterval <= 0 {
		add("collab.cluster_cleanup_interval", c.Collab.ClusterCleanupInterval, "must be positive")
	}
	if c.Collab.LocalCleanupInterval <= 0 {
		add("collab.local_cleanup_interval", c.Collab.LocalCleanupInterval, "must be positive")
	}

	switch c.Access.Backend {
	case BackendStatic:
		if c.Access.PolicyFile == "" {
			add("access.policy_file", "", "is required by the static backend")
		}
	case BackendHTTP:
		if u, err := url.Parse(c.Access.UpstreamURL); c.Access.UpstreamURL == "" || err != nil || u.Host == "" {
			add("access.upstream_url", c.Access.UpstreamURL, "must be an absolute URL for the http backend")
		}
	case BackendPostgres:
		if c.Access.PostgresDSN == "" {
			add("access.postgres_dsn", "", "is required by the postgres backend")
		}
		if c.Access.PolicyFile == "" {
			add("access.policy_file", "", "is required by the postgres backend for permissions")
		}
	default:
		add("access.backend", c.Access.Backend, "must be one of "+strings.Join(Backends(), ", "))
	}
	if slices.Contains(c.Access.Singletons, "") {
		add("access.singletons", c.Access.Singletons, "must not contain empty names")
	}

	if c.WebSocket.MaxMessageSize <= 0 {
		add("websocket.max_message_size", c.WebSocket.MaxMessageSize, "must be positive")
	}
	return errs
}
