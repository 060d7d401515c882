package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
connection_pool:
  max_idle_server_connections: 20
  idle_timeout: 5m
  max_lifetime: 30m
  acquire_timeout: 10s

rest:
  bind: 127.0.0.1
  port: 8080

routes:
  - name: primary
    bind_address: 0.0.0.0
    bind_port: 6446
    destinations:
      - host: db-a.internal
        port: 3306
      - host: db-b.internal
        port: 3306
    routing_strategy: round-robin
    username: router_svc
    password: s3cret
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Rest.Port != 8080 {
		t.Errorf("expected rest port 8080, got %d", cfg.Rest.Port)
	}
	if cfg.ConnectionPool.MaxLifetime != 30*time.Minute {
		t.Errorf("expected max lifetime 30m, got %v", cfg.ConnectionPool.MaxLifetime)
	}
	if len(cfg.Routes) != 1 {
		t.Fatalf("expected one route, got %d", len(cfg.Routes))
	}
	r := cfg.Routes[0]
	if r.Name != "primary" {
		t.Errorf("expected route name primary, got %s", r.Name)
	}
	if len(r.Destinations) != 2 {
		t.Errorf("expected two destinations, got %d", len(r.Destinations))
	}
	if r.Destinations[0].Addr() != "db-a.internal:3306" {
		t.Errorf("unexpected destination address: %s", r.Destinations[0].Addr())
	}
	if r.Strategy != StrategyRoundRobin {
		t.Errorf("expected round-robin strategy, got %s", r.Strategy)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
    password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Routes[0].Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Routes[0].Password)
	}
}

func TestLoadEnvSubstitutionLeavesUnresolvedReferences(t *testing.T) {
	os.Unsetenv("TEST_DB_PASSWORD_MISSING")
	yaml := `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
    password: ${TEST_DB_PASSWORD_MISSING}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routes[0].Password != "${TEST_DB_PASSWORD_MISSING}" {
		t.Errorf("expected unresolved env reference to pass through literally, got %q", cfg.Routes[0].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing name",
			yaml: `
routes:
  - bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
`,
		},
		{
			name: "duplicate route name",
			yaml: `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
  - name: primary
    bind_port: 6447
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
`,
		},
		{
			name: "missing bind_port",
			yaml: `
routes:
  - name: primary
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
`,
		},
		{
			name: "no destinations",
			yaml: `
routes:
  - name: primary
    bind_port: 6446
    destinations: []
    username: router_svc
`,
		},
		{
			name: "missing username",
			yaml: `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
`,
		},
		{
			name: "bad routing strategy",
			yaml: `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
    routing_strategy: random
`,
		},
		{
			name: "passthrough requires as_client",
			yaml: `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
    client_ssl_mode: PASSTHROUGH
    server_ssl_mode: PREFERRED
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
routes:
  - name: primary
    bind_port: 6446
    destinations:
      - host: localhost
        port: 3306
    username: router_svc
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Rest.Port != 8080 {
		t.Errorf("expected default rest port 8080, got %d", cfg.Rest.Port)
	}
	if cfg.ConnectionPool.MaxIdleServerConnections != 20 {
		t.Errorf("expected default max idle server connections 20, got %d", cfg.ConnectionPool.MaxIdleServerConnections)
	}
	r := cfg.Routes[0]
	if r.Strategy != StrategyFirstAvailable {
		t.Errorf("expected default routing strategy first-available, got %s", r.Strategy)
	}
	if r.ClientSSLMode != ClientSSLPreferred {
		t.Errorf("expected default client_ssl_mode PREFERRED, got %s", r.ClientSSLMode)
	}
	if r.ServerSSLMode != ServerSSLPreferred {
		t.Errorf("expected default server_ssl_mode PREFERRED, got %s", r.ServerSSLMode)
	}
}

func TestRouteConfigEffectiveValues(t *testing.T) {
	defaults := PoolConfig{
		MaxIdleServerConnections: 20,
		IdleTimeout:              5 * time.Minute,
		MaxLifetime:              30 * time.Minute,
		AcquireTimeout:           10 * time.Second,
	}

	maxIdle := 50
	r := RouteConfig{MaxIdleServerConnections: &maxIdle}

	if r.EffectiveMaxIdleServerConnections(defaults) != 50 {
		t.Error("expected overridden max idle server connections of 50")
	}
	if r.EffectiveIdleTimeout(defaults) != 5*time.Minute {
		t.Error("expected default idle timeout")
	}

	it := 2 * time.Minute
	r.IdleTimeout = &it
	if r.EffectiveIdleTimeout(defaults) != 2*time.Minute {
		t.Error("expected overridden idle timeout of 2m")
	}
}

func TestRedactedMasksPassword(t *testing.T) {
	r := RouteConfig{Username: "router_svc", Password: "s3cret"}
	red := r.Redacted()
	if red.Password == "s3cret" {
		t.Error("expected Redacted to mask the password")
	}
	if r.Password != "s3cret" {
		t.Error("Redacted must not mutate the original")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
