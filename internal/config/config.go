// Package config loads and hot-reloads the router's YAML configuration:
// the set of routes it exposes, the connection-pool defaults each route
// can override, and the REST status surface's bind address.
//
// Grounded on the teacher's own config.go: the env-var substitution
// pattern, the Load/applyDefaults/validate pipeline, and the
// fsnotify-backed debounced Watcher are carried over unchanged in
// shape, generalized from a tenant map to a route list.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level router configuration.
type Config struct {
	Routes         []RouteConfig     `yaml:"routes"`
	ConnectionPool PoolConfig        `yaml:"connection_pool"`
	Rest           RestConfig        `yaml:"rest"`
	HealthCheck    HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig controls the destination liveness prober.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// RestConfig controls the read-only HTTP status/metrics surface.
type RestConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// PoolConfig holds pool-sizing defaults shared by every route unless a
// route overrides them.
type PoolConfig struct {
	MaxIdleServerConnections int           `yaml:"max_idle_server_connections"`
	IdleTimeout              time.Duration `yaml:"idle_timeout"`
	MaxLifetime              time.Duration `yaml:"max_lifetime"`
	AcquireTimeout            time.Duration `yaml:"acquire_timeout"`
}

// ClientSSLMode is the TLS posture the router takes toward clients
// connecting to a route's listener.
type ClientSSLMode string

const (
	ClientSSLDisabled   ClientSSLMode = "DISABLED"
	ClientSSLPreferred  ClientSSLMode = "PREFERRED"
	ClientSSLRequired   ClientSSLMode = "REQUIRED"
	ClientSSLPassthrough ClientSSLMode = "PASSTHROUGH"
)

// ServerSSLMode is the TLS posture the router takes toward a route's
// backends.
type ServerSSLMode string

const (
	ServerSSLDisabled  ServerSSLMode = "DISABLED"
	ServerSSLPreferred ServerSSLMode = "PREFERRED"
	ServerSSLRequired  ServerSSLMode = "REQUIRED"
	ServerSSLAsClient  ServerSSLMode = "AS_CLIENT"
)

// RoutingStrategy selects how NextDestination orders a route's live
// destinations.
type RoutingStrategy string

const (
	StrategyFirstAvailable RoutingStrategy = "first-available"
	StrategyRoundRobin     RoutingStrategy = "round-robin"
)

// Destination is one backend endpoint a route may connect to.
type Destination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the "host:port" dial address for this destination.
func (d Destination) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// RouteConfig describes one named listener: where it binds, which
// backends it may forward to and in what order, the TLS posture on
// both legs, and the single backend account the router authenticates
// clients against and replays to every destination.
type RouteConfig struct {
	Name            string          `yaml:"name"`
	BindAddress     string          `yaml:"bind_address"`
	BindPort        int             `yaml:"bind_port"`
	Destinations    []Destination   `yaml:"destinations"`
	Strategy        RoutingStrategy `yaml:"routing_strategy"`
	Username        string          `yaml:"username"`
	Password        string          `yaml:"password"`
	ClientSSLMode   ClientSSLMode   `yaml:"client_ssl_mode"`
	ServerSSLMode   ServerSSLMode   `yaml:"server_ssl_mode"`
	TLSCert         string          `yaml:"tls_cert"`
	TLSKey          string          `yaml:"tls_key"`
	TLSCA           string          `yaml:"tls_ca"`
	ConnectTimeout  time.Duration   `yaml:"connect_timeout"`

	// ConnectionSharing and ConnectionSharingDelay gate the stash
	// affinity mechanism in internal/pool: whether a backend a client
	// parked may be handed to a different client at all, and the
	// minimum time it must sit idle first. nil means "use the default".
	ConnectionSharing      *bool         `yaml:"connection_sharing,omitempty"`
	ConnectionSharingDelay time.Duration `yaml:"connection_sharing_delay"`

	MaxIdleServerConnections *int           `yaml:"max_idle_server_connections,omitempty"`
	IdleTimeout              *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime              *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout           *time.Duration `yaml:"acquire_timeout,omitempty"`
}

// EffectiveMaxIdleServerConnections returns the route's idle-pool cap
// or the shared default.
func (r RouteConfig) EffectiveMaxIdleServerConnections(defaults PoolConfig) int {
	if r.MaxIdleServerConnections != nil {
		return *r.MaxIdleServerConnections
	}
	return defaults.MaxIdleServerConnections
}

// EffectiveIdleTimeout returns the route's idle timeout or the shared default.
func (r RouteConfig) EffectiveIdleTimeout(defaults PoolConfig) time.Duration {
	if r.IdleTimeout != nil {
		return *r.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the route's max connection lifetime or the shared default.
func (r RouteConfig) EffectiveMaxLifetime(defaults PoolConfig) time.Duration {
	if r.MaxLifetime != nil {
		return *r.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the route's acquire timeout or the shared default.
func (r RouteConfig) EffectiveAcquireTimeout(defaults PoolConfig) time.Duration {
	if r.AcquireTimeout != nil {
		return *r.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveConnectionSharing reports whether this route may hand a
// stashed backend connection to a different client than the one that
// parked it, defaulting to enabled since that's the whole point of a
// connection-sharing router.
func (r RouteConfig) EffectiveConnectionSharing() bool {
	if r.ConnectionSharing != nil {
		return *r.ConnectionSharing
	}
	return true
}

// EffectiveConnectionSharingDelay returns the minimum time a stashed
// connection must sit idle before unstash_if will hand it to a
// different client than the one that stashed it.
func (r RouteConfig) EffectiveConnectionSharingDelay() time.Duration {
	if r.ConnectionSharingDelay > 0 {
		return r.ConnectionSharingDelay
	}
	return time.Second
}

// Redacted returns a copy of the RouteConfig with the backend password masked.
func (r RouteConfig) Redacted() RouteConfig {
	c := r
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unresolved references untouched so a typo
// surfaces as a YAML/validation error rather than silently blanking a
// credential.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// then validates and fills in pool-sizing defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rest.Port == 0 {
		cfg.Rest.Port = 8080
	}
	if cfg.Rest.Bind == "" {
		cfg.Rest.Bind = "127.0.0.1"
	}
	if cfg.ConnectionPool.MaxIdleServerConnections == 0 {
		cfg.ConnectionPool.MaxIdleServerConnections = 20
	}
	if cfg.ConnectionPool.IdleTimeout == 0 {
		cfg.ConnectionPool.IdleTimeout = 5 * time.Minute
	}
	if cfg.ConnectionPool.MaxLifetime == 0 {
		cfg.ConnectionPool.MaxLifetime = 30 * time.Minute
	}
	if cfg.ConnectionPool.AcquireTimeout == 0 {
		cfg.ConnectionPool.AcquireTimeout = 10 * time.Second
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 5 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Strategy == "" {
			r.Strategy = StrategyFirstAvailable
		}
		if r.ClientSSLMode == "" {
			r.ClientSSLMode = ClientSSLPreferred
		}
		if r.ServerSSLMode == "" {
			r.ServerSSLMode = ServerSSLPreferred
		}
		if r.ConnectTimeout == 0 {
			r.ConnectTimeout = 10 * time.Second
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if r.Name == "" {
			return fmt.Errorf("route: name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("route %q: duplicate route name", r.Name)
		}
		seen[r.Name] = true
		if r.BindPort == 0 {
			return fmt.Errorf("route %q: bind_port is required", r.Name)
		}
		if len(r.Destinations) == 0 {
			return fmt.Errorf("route %q: at least one destination is required", r.Name)
		}
		for _, d := range r.Destinations {
			if d.Host == "" || d.Port == 0 {
				return fmt.Errorf("route %q: destination host and port are required", r.Name)
			}
		}
		if r.Username == "" {
			return fmt.Errorf("route %q: username is required", r.Name)
		}
		switch r.Strategy {
		case StrategyFirstAvailable, StrategyRoundRobin:
		default:
			return fmt.Errorf("route %q: unsupported routing_strategy %q", r.Name, r.Strategy)
		}
		switch r.ClientSSLMode {
		case ClientSSLDisabled, ClientSSLPreferred, ClientSSLRequired, ClientSSLPassthrough:
		default:
			return fmt.Errorf("route %q: unsupported client_ssl_mode %q", r.Name, r.ClientSSLMode)
		}
		switch r.ServerSSLMode {
		case ServerSSLDisabled, ServerSSLPreferred, ServerSSLRequired, ServerSSLAsClient:
		default:
			return fmt.Errorf("route %q: unsupported server_ssl_mode %q", r.Name, r.ServerSSLMode)
		}
		if r.ClientSSLMode == ClientSSLPassthrough && r.ServerSSLMode != ServerSSLAsClient {
			return fmt.Errorf("route %q: client_ssl_mode PASSTHROUGH requires server_ssl_mode AS_CLIENT", r.Name)
		}
		if (r.ClientSSLMode == ClientSSLRequired) && r.TLSCert == "" {
			return fmt.Errorf("route %q: client_ssl_mode REQUIRED needs tls_cert/tls_key", r.Name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the newly loaded config, debounced so a burst of writes from an
// editor or deploy tool triggers one reload instead of several.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
