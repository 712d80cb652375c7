package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
listen:
  host: 0.0.0.0
  port: 6432

pools:
  mydb:
    server_host: localhost
    server_port: 5432
    pool_mode: transaction
    pool_size: 20
    users:
      app:
        password: testpass
        auth_method: md5
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 6432 {
		t.Errorf("expected port 6432, got %d", cfg.Listen.Port)
	}
	pool, ok := cfg.Pools["mydb"]
	if !ok {
		t.Fatal("mydb pool not found")
	}
	if pool.ServerHost != "localhost" {
		t.Errorf("expected server_host localhost, got %s", pool.ServerHost)
	}
	if pool.PoolSize != 20 {
		t.Errorf("expected pool_size 20, got %d", pool.PoolSize)
	}
	if pool.ServerDatabase != "mydb" {
		t.Errorf("expected server_database to default to pool key, got %s", pool.ServerDatabase)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
pools:
  mydb:
    server_host: localhost
    server_port: 5432
    users:
      app:
        password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pools["mydb"].Users["app"].Password != "secret123" {
		t.Errorf("expected substituted password, got %s", cfg.Pools["mydb"].Users["app"].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing server_host",
			yaml: `
pools:
  p1:
    server_port: 5432
`,
		},
		{
			name: "missing server_port",
			yaml: `
pools:
  p1:
    server_host: localhost
`,
		},
		{
			name: "invalid pool_mode",
			yaml: `
pools:
  p1:
    server_host: localhost
    server_port: 5432
    pool_mode: bogus
`,
		},
		{
			name: "invalid tls_mode",
			yaml: `
listen:
  tls_mode: bogus
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
pools:
  mydb:
    server_host: localhost
    server_port: 5432
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 6432 {
		t.Errorf("expected default port 6432, got %d", cfg.Listen.Port)
	}
	pool := cfg.Pools["mydb"]
	if pool.PoolSize != 20 {
		t.Errorf("expected default pool_size 20, got %d", pool.PoolSize)
	}
	if pool.ServerLifetime != 30*time.Minute {
		t.Errorf("expected default server_lifetime 30m, got %v", pool.ServerLifetime)
	}
	if pool.QueueDiscipline != "lifo" {
		t.Errorf("expected default queue_discipline lifo, got %s", pool.QueueDiscipline)
	}
}

func TestRedacted(t *testing.T) {
	p := PoolConfig{
		AuthQueryPassword: "secret",
		Users: map[string]UserConfig{
			"app": {Password: "hunter2", AuthMethod: "md5"},
		},
	}
	r := p.Redacted()
	if r.AuthQueryPassword != "***" {
		t.Errorf("expected auth_query_password redacted, got %s", r.AuthQueryPassword)
	}
	if r.Users["app"].Password != "***" {
		t.Errorf("expected user password redacted, got %s", r.Users["app"].Password)
	}
	if p.Users["app"].Password != "hunter2" {
		t.Error("Redacted mutated the original config")
	}
}
