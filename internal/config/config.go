// Package config loads and hot-reloads the gateway's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway process.
type Config struct {
	Listen    ListenConfig              `yaml:"listen"`
	Pool      PoolConfig                `yaml:"pool"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	Health    HealthConfig              `yaml:"health"`
}

// ListenConfig defines the addresses the gateway binds.
type ListenConfig struct {
	HTTPBind  string `yaml:"http_bind"`
	HTTPPort  int    `yaml:"http_port"`
	AdminBind string `yaml:"admin_bind"`
	AdminPort int    `yaml:"admin_port"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// TLSEnabled returns true if both the HTTP surface's TLS cert and key are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolConfig carries the knobs spec.md fixes as constants but that are
// still worth naming in config for documentation and test overrides.
type PoolConfig struct {
	MaxConnsPerEndpoint   int  `yaml:"max_conns_per_endpoint"`
	DisableIPCheckForHTTP bool `yaml:"disable_ip_check_for_http"`
	PBKDF2Rounds          int  `yaml:"pbkdf2_rounds"`
	PBKDF2KeyLength       int  `yaml:"pbkdf2_key_length"`
}

// EndpointConfig describes one compute endpoint the gateway is allowed to
// dial: its dial target and, when IP checking is enabled, the set of peer
// addresses permitted to reach it over HTTP. This is the file-based stand-in
// for a real control-plane wake_compute lookup (spec.md §1 scopes that out).
type EndpointConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	AllowedIPs []string `yaml:"allowed_ips"`
	RequireTLS bool     `yaml:"require_tls"`
}

// HealthConfig configures the background endpoint prober.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
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

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.HTTPPort == 0 {
		cfg.Listen.HTTPPort = 8080
	}
	if cfg.Listen.HTTPBind == "" {
		cfg.Listen.HTTPBind = "0.0.0.0"
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 8081
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.Pool.MaxConnsPerEndpoint == 0 {
		cfg.Pool.MaxConnsPerEndpoint = 20
	}
	// PBKDF2 params are fixed by spec, not meant to be tuned, but default
	// them here so a config file that omits the block still gets the
	// documented constants rather than zero values.
	if cfg.Pool.PBKDF2Rounds == 0 {
		cfg.Pool.PBKDF2Rounds = 4096
	}
	if cfg.Pool.PBKDF2KeyLength == 0 {
		cfg.Pool.PBKDF2KeyLength = 32
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 2 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
}

func validate(cfg *Config) error {
	for id, ep := range cfg.Endpoints {
		if ep.Host == "" {
			return fmt.Errorf("endpoint %q: host is required", id)
		}
		if ep.Port == 0 {
			return fmt.Errorf("endpoint %q: port is required", id)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
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
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads.
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
			log.Printf("[config] watcher error: %v", err)
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
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
