// Package config loads and hot-reloads doorman's YAML configuration: the
// listener surface and a set of per-pool backend definitions keyed by
// pool name, each resolved to a (user, database) pair at connect time.
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

// Config is doorman's top-level configuration.
type Config struct {
	Listen ListenConfig          `yaml:"listen"`
	Pools  map[string]PoolConfig `yaml:"pools"`
}

// ListenConfig defines the pooler's client-facing listening socket.
type ListenConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	WorkerThreads       int    `yaml:"worker_threads"`
	TLSMode             string `yaml:"tls_mode"` // disable | allow | require | verify-full
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	TLSCA               string `yaml:"tls_ca"`
	AdminDatabase       string `yaml:"admin_database"`
	MaxMessageSize      int    `yaml:"max_message_size"`
	MaxMemoryUsage      int    `yaml:"max_memory_usage"`
	MessageSizeToStream int    `yaml:"message_size_to_be_stream"`
}

// UserConfig is one client credential entry within a pool.
type UserConfig struct {
	Password   string `yaml:"password"`
	AuthMethod string `yaml:"auth_method"` // trust | md5 | scram-sha-256
}

// PoolConfig is the full per-pool configuration surface.
type PoolConfig struct {
	ServerHost     string `yaml:"server_host"`
	ServerPort     int    `yaml:"server_port"`
	ServerDatabase string `yaml:"server_database"`

	// ServerUser/ServerPassword/ServerAuthMethod identify the PostgreSQL
	// role doorman itself authenticates as when opening a Server
	// Connection, independent of which client login (Users, below) rode
	// in on the front end — the same separation auth_query already makes
	// for its executor connection.
	ServerUser       string `yaml:"server_user"`
	ServerPassword   string `yaml:"server_password"`
	ServerAuthMethod string `yaml:"server_auth_method"` // trust | md5 | scram-sha-256

	PoolMode string `yaml:"pool_mode"` // transaction | session

	PoolSize             int     `yaml:"pool_size"`
	MinPoolSize          int     `yaml:"min_pool_size"`
	WarmPoolRatio        float64 `yaml:"warm_pool_ratio"`
	FastRetries          int     `yaml:"fast_retries"`
	CooldownSleepMS      int     `yaml:"cooldown_sleep_ms"`
	MaxConcurrentCreates int     `yaml:"max_concurrent_creates"`
	QueueDiscipline      string  `yaml:"queue_discipline"` // lifo | fifo

	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	ServerLifetime         time.Duration `yaml:"server_lifetime"`
	ServerIdleCheckTimeout time.Duration `yaml:"server_idle_check_timeout"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	QueryWaitTimeout       time.Duration `yaml:"query_wait_timeout"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
	ProxyCopyDataTimeout   time.Duration `yaml:"proxy_copy_data_timeout"`

	ApplicationName                 string `yaml:"application_name"`
	SyncServerParameters            bool   `yaml:"sync_server_parameters"`
	LogClientParameterStatusChanges bool   `yaml:"log_client_parameter_status_changes"`

	PreparedStatementsCacheSize       int `yaml:"prepared_statements_cache_size"`
	ClientPreparedStatementsCacheSize int `yaml:"client_prepared_statements_cache_size"`

	AuthQuery         string        `yaml:"auth_query"`
	AuthQueryUser     string        `yaml:"auth_query_user"`
	AuthQueryPassword string        `yaml:"auth_query_password"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheFailureTTL   time.Duration `yaml:"cache_failure_ttl"`
	MinInterval       time.Duration `yaml:"min_interval"`

	Users map[string]UserConfig `yaml:"users"`
}

// Redacted returns a copy of cfg with all user passwords and auth_query
// credentials masked, safe to log or return from SHOW CONFIG.
func (p PoolConfig) Redacted() PoolConfig {
	c := p
	if c.AuthQueryPassword != "" {
		c.AuthQueryPassword = "***"
	}
	if c.ServerPassword != "" {
		c.ServerPassword = "***"
	}
	c.Users = make(map[string]UserConfig, len(p.Users))
	for name, u := range p.Users {
		if u.Password != "" {
			u.Password = "***"
		}
		c.Users[name] = u
	}
	return c
}

// TLSEnabled reports whether the listener has a certificate configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} environment
// substitution, validates it, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.WorkerThreads == 0 {
		cfg.Listen.WorkerThreads = 4
	}
	if cfg.Listen.TLSMode == "" {
		cfg.Listen.TLSMode = "disable"
	}
	if cfg.Listen.AdminDatabase == "" {
		cfg.Listen.AdminDatabase = "doorman"
	}
	if cfg.Listen.MaxMessageSize == 0 {
		cfg.Listen.MaxMessageSize = 64 << 20
	}
	if cfg.Listen.MaxMemoryUsage == 0 {
		cfg.Listen.MaxMemoryUsage = 256 << 20
	}
	if cfg.Listen.MessageSizeToStream == 0 {
		cfg.Listen.MessageSizeToStream = 1 << 20
	}

	for name, p := range cfg.Pools {
		if p.PoolMode == "" {
			p.PoolMode = "transaction"
		}
		if p.PoolSize == 0 {
			p.PoolSize = 20
		}
		if p.WarmPoolRatio == 0 {
			p.WarmPoolRatio = 0.2
		}
		if p.FastRetries == 0 {
			p.FastRetries = 10
		}
		if p.CooldownSleepMS == 0 {
			p.CooldownSleepMS = 5
		}
		if p.MaxConcurrentCreates == 0 {
			p.MaxConcurrentCreates = 4
		}
		if p.QueueDiscipline == "" {
			p.QueueDiscipline = "lifo"
		}
		if p.IdleTimeout == 0 {
			p.IdleTimeout = 5 * time.Minute
		}
		if p.ServerLifetime == 0 {
			p.ServerLifetime = 30 * time.Minute
		}
		if p.ServerIdleCheckTimeout == 0 {
			p.ServerIdleCheckTimeout = 30 * time.Second
		}
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = 5 * time.Second
		}
		if p.QueryWaitTimeout == 0 {
			p.QueryWaitTimeout = 10 * time.Second
		}
		if p.ShutdownTimeout == 0 {
			p.ShutdownTimeout = 30 * time.Second
		}
		if p.ProxyCopyDataTimeout == 0 {
			p.ProxyCopyDataTimeout = 30 * time.Second
		}
		if p.ApplicationName == "" {
			p.ApplicationName = "doorman"
		}
		if p.ServerDatabase == "" {
			p.ServerDatabase = name
		}
		if p.ServerUser == "" {
			p.ServerUser = name
		}
		if p.ServerAuthMethod == "" {
			p.ServerAuthMethod = "trust"
		}
		if p.PreparedStatementsCacheSize == 0 {
			p.PreparedStatementsCacheSize = 500
		}
		if p.AuthQuery != "" {
			if p.CacheTTL == 0 {
				p.CacheTTL = 5 * time.Minute
			}
			if p.CacheFailureTTL == 0 {
				p.CacheFailureTTL = 30 * time.Second
			}
			if p.MinInterval == 0 {
				p.MinInterval = time.Second
			}
		}
		cfg.Pools[name] = p
	}
}

func validate(cfg *Config) error {
	switch cfg.Listen.TLSMode {
	case "disable", "allow", "require", "verify-full":
	default:
		return fmt.Errorf("listen: unsupported tls_mode %q", cfg.Listen.TLSMode)
	}
	for name, p := range cfg.Pools {
		if p.ServerHost == "" {
			return fmt.Errorf("pool %q: server_host is required", name)
		}
		if p.ServerPort == 0 {
			return fmt.Errorf("pool %q: server_port is required", name)
		}
		if p.PoolMode != "transaction" && p.PoolMode != "session" {
			return fmt.Errorf("pool %q: unsupported pool_mode %q", name, p.PoolMode)
		}
		switch p.ServerAuthMethod {
		case "trust", "md5", "scram-sha-256":
		default:
			return fmt.Errorf("pool %q: unsupported server_auth_method %q", name, p.ServerAuthMethod)
		}
		for user, u := range p.Users {
			switch u.AuthMethod {
			case "trust", "md5", "scram-sha-256", "":
			default:
				return fmt.Errorf("pool %q user %q: unsupported auth_method %q", name, user, u.AuthMethod)
			}
		}
	}
	return nil
}

// Watcher watches the config file for changes and invokes callback with
// the freshly reloaded Config, debounced against editor save-storms.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
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
			slog.Warn("config watcher error", "error", err)
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
		slog.Error("config hot-reload failed", "error", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
