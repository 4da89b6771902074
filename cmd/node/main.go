// Package main implements the coedit node, one member of a horizontally
// scaled cluster coordinating realtime collaborative editing.
//
// Every node is equal. Nodes share a redis instance that holds room state
// and the client registry and carries cross-node messages; there is no
// coordinator process.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /ws              - Client socket     │
//	│    /health          - Health check      │
//	│    /registry        - Cluster registry  │
//	│    /items           - Item write hook   │
//	│    /collab/enabled  - Enable switch     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Messenger    - Registry and routing  │
//	│    Manager      - Room handles          │
//	│    Handler      - Message dispatch      │
//	│    Scheduler    - Cluster-wide jobs     │
//	└─────────────────────────────────────────┘
//
// Configuration is read by internal/config from an optional YAML file
// (--config) and COEDIT_* environment variables.
//
// Example usage:
//
//	COEDIT_AUTH_SECRET=change-me \
//	COEDIT_REDIS_ADDR=localhost:6379 \
//	COEDIT_ACCESS_POLICY_FILE=policy.yaml \
//	./node --logtostderr -v=1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/auth"
	"github.com/dreamware/coedit/internal/cluster"
	"github.com/dreamware/coedit/internal/collab"
	"github.com/dreamware/coedit/internal/config"
	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/room"
	"github.com/dreamware/coedit/internal/scheduler"
	"github.com/dreamware/coedit/internal/storage"
	"github.com/dreamware/coedit/internal/transport"
)

// logFatal is a variable to allow mocking glog.Fatalf in tests.
var logFatal = glog.Fatalf

// connectTimeout bounds the startup retries against redis and postgres.
const connectTimeout = 30 * time.Second

// Node is one running coedit process: the collaboration components plus
// the HTTP server exposing them.
//
// Lifecycle:
//   - NewNode connects to the substrate and builds every component
//   - Start launches the heartbeat, cleanup loops and HTTP listener
//   - Shutdown stops them in reverse order and closes connections
type Node struct {
	cfg *config.Config

	store storage.Store
	bus   cluster.Bus

	auth      *auth.Authenticator
	messenger *messenger.Messenger
	rooms     *room.Manager
	scheduler *scheduler.Scheduler
	handler   *collab.Handler
	ws        *transport.Server

	server  *http.Server
	closers []func()
	cancel  context.CancelFunc
}

// NewNode builds a node from cfg. With an empty redis address the node
// runs on an in-process store and bus.
func NewNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if cfg.Redis.Addr == "" {
		glog.Warningf("node[%s] no redis configured, running standalone", cfg.Node.ID)
		n.store = storage.NewMemoryStore()
		n.bus = cluster.NewMemoryBus()
	} else {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() { _ = client.Close() })
		n.store = storage.NewRedisStore(client)
		n.bus = cluster.NewRedisBus(client)
	}

	gate, data, err := n.buildAccess(ctx)
	if err != nil {
		n.close()
		return nil, err
	}
	if err := n.build(ctx, gate, data); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

// build wires the collaboration components onto the node's substrate.
func (n *Node) build(ctx context.Context, gate access.PermissionGate, data access.DataLayer) error {
	m, err := messenger.New(ctx, n.bus, n.store, messenger.Options{
		NodeID:            n.cfg.Node.ID,
		InstanceTimeout:   n.cfg.Collab.InstanceTimeout,
		HeartbeatInterval: n.cfg.Collab.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	n.messenger = m
	n.rooms = room.NewManager(m, n.store, gate)
	n.scheduler = scheduler.New(n.store, n.cfg.Node.ID, nil)
	n.handler = collab.New(m, n.rooms, gate, data, n.scheduler, collab.Options{
		Enabled:                n.cfg.Collab.Enabled,
		ClusterCleanupInterval: n.cfg.Collab.ClusterCleanupInterval,
		LocalCleanupInterval:   n.cfg.Collab.LocalCleanupInterval,
	})
	n.auth = auth.NewAuthenticator(n.cfg.Auth.Secret)
	n.ws = transport.NewServer(n.auth, n.handler, transport.Options{
		AllowedOrigins: n.cfg.WebSocket.AllowedOrigins,
		MaxMessageSize: n.cfg.WebSocket.MaxMessageSize,
	})
	return nil
}

// buildAccess creates the permission gate and data layer of the
// configured backend.
func (n *Node) buildAccess(ctx context.Context) (access.PermissionGate, access.DataLayer, error) {
	a := n.cfg.Access
	switch a.Backend {
	case config.BackendHTTP:
		h := access.NewHTTP(a.UpstreamURL, a.UpstreamToken, a.SchemaTTL)
		return h, h, nil

	case config.BackendPostgres:
		policy, err := access.LoadPolicy(a.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		pool, err := connectPostgres(ctx, a.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		n.closers = append(n.closers, pool.Close)
		gate := access.NewStatic(policy)
		return gate, access.NewPostgres(pool, gate, a.PostgresSchema, a.Singletons), nil

	default:
		policy, err := access.LoadPolicy(a.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		s := access.NewStatic(policy)
		return s, s, nil
	}
}

// retry runs op with exponential backoff until it succeeds, ctx ends or
// connectTimeout elapses.
func retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			glog.Warningf("%s attempt %d: %v", what, attempt, err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retry(ctx, "redis ping", func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	glog.Infof("connected to redis @ %s", cfg.Addr)
	return client, nil
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("configure postgres: %w", err)
	}
	if err := retry(ctx, "postgres ping", func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	glog.Infof("connected to postgres")
	return pool, nil
}

// Router returns the node's HTTP routes.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", n.ws).Methods(http.MethodGet)
	r.HandleFunc("/health", n.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/registry", n.admin(n.handleRegistry)).Methods(http.MethodGet)
	r.HandleFunc("/items", n.admin(n.handleItemEvent)).Methods(http.MethodPost)
	r.HandleFunc("/collab/enabled", n.admin(n.handleGetEnabled)).Methods(http.MethodGet)
	r.HandleFunc("/collab/enabled", n.admin(n.handleSetEnabled)).Methods(http.MethodPut)
	return r
}

// Start launches the background loops and the HTTP listener.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	go n.messenger.Start(ctx)
	n.handler.Start(ctx)

	n.server = &http.Server{
		Addr:              n.cfg.Node.Listen,
		Handler:           n.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		glog.Infof("node[%s] listening on %s", n.cfg.Node.ID, n.cfg.Node.Listen)
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()
}

// Shutdown stops accepting requests, disconnects every client and stops
// the background loops. The registry entry is left for peers to prune.
func (n *Node) Shutdown(ctx context.Context) error {
	var errs []error
	if n.server != nil {
		errs = append(errs, n.server.Shutdown(ctx))
	}
	errs = append(errs, n.ws.Shutdown(ctx))
	if n.cancel != nil {
		n.cancel()
	}
	n.handler.Stop()
	n.scheduler.Stop()
	n.messenger.Stop()
	n.close()
	return errors.Join(errs...)
}

func (n *Node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

// admin wraps h so that only admin tokens reach it.
func (n *Node) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := n.auth.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !acct.Admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

// handleHealth reports liveness.
//
// Endpoint: GET /health
func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Node    string `json:"node"`
		Enabled bool   `json:"enabled"`
		Clients int    `json:"clients"`
	}{
		Status:  "ok",
		Node:    n.messenger.UID(),
		Enabled: n.handler.Enabled(),
		Clients: n.ws.Len(),
	})
}

// handleRegistry returns every live node with its clients and rooms.
//
// Endpoint: GET /registry
//
// Response body:
//
//	{
//	  "node": "5f0c...",
//	  "instances": {"5f0c...": {"heartbeat": "...", "clients": [...], "rooms": [...]}},
//	  "active": ["01J..."]
//	}
func (n *Node) handleRegistry(w http.ResponseWriter, r *http.Request) {
	instances, err := n.messenger.Instances(r.Context())
	if err != nil {
		glog.Errorf("read registry: %v", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	registry, err := n.messenger.Registry(r.Context())
	if err != nil {
		glog.Errorf("read registry: %v", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Node      string              `json:"node"`
		Instances messenger.Instances `json:"instances"`
		Active    []string            `json:"active"`
	}{
		Node:      n.messenger.UID(),
		Instances: instances,
		Active:    registry.Active,
	})
}

// handleItemEvent receives the application's record write notifications
// and reconciles affected rooms on every node.
//
// Endpoint: POST /items
//
// Request body:
//
//	{"action": "update", "collection": "articles", "keys": ["1"], "record": {"title": "..."}}
//
// Response:
//   - 204 No Content: applied
//   - 400 Bad Request: malformed or unsupported event
//   - 500 Internal Server Error: store or bus failure
func (n *Node) handleItemEvent(w http.ResponseWriter, r *http.Request) {
	var event collab.ItemEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := n.handler.ApplyItemEvent(r.Context(), event); err != nil {
		var invalid *collab.Error
		if errors.As(err, &invalid) {
			http.Error(w, invalid.Reason, http.StatusBadRequest)
			return
		}
		glog.Errorf("apply item event: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

// handleGetEnabled reports this node's collaboration switch.
//
// Endpoint: GET /collab/enabled
func (n *Node) handleGetEnabled(w http.ResponseWriter, _ *http.Request) {
	enabled := n.handler.Enabled()
	writeJSON(w, http.StatusOK, enabledBody{Enabled: &enabled})
}

// handleSetEnabled flips this node's collaboration switch. Disabling
// closes every local room and disconnects its members.
//
// Endpoint: PUT /collab/enabled
func (n *Node) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		http.Error(w, `body must be {"enabled": true|false}`, http.StatusBadRequest)
		return
	}
	if err := n.handler.SetEnabled(r.Context(), *body.Enabled); err != nil {
		glog.Errorf("switch collaboration: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	n.handleGetEnabled(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Warningf("write response: %v", err)
	}
}

// newRootCmd builds the node command.
func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run a collaborative editing node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// glog reads its settings from the go flag set; mark it parsed.
			_ = flag.CommandLine.Parse(nil)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	addFlags(cmd.Flags(), &configFile)
	return cmd
}

// addFlags registers --config and glog's flags (-v, --logtostderr, ...).
func addFlags(fs *pflag.FlagSet, configFile *string) {
	fs.StringVarP(configFile, "config", "c", "", "config file (YAML)")
	fs.AddGoFlagSet(flag.CommandLine)
}

// run serves until SIGINT or SIGTERM.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := NewNode(ctx, cfg)
	if err != nil {
		return err
	}
	n.Start(context.Background())
	glog.Infof("node[%s] started (collaboration enabled: %v)", cfg.Node.ID, cfg.Collab.Enabled)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("shutdown: %v", err)
	}
	glog.Infof("node[%s] stopped", cfg.Node.ID)
	return nil
}

func main() {
	defer glog.Flush()
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logFatal("%v", err)
	}
}
