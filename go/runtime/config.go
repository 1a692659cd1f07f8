package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ddsnet/nodex/go/panel"
	"github.com/ddsnet/nodex/go/state"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NetConfig tunes the worker's HTTP behavior against the panel fleet.
type NetConfig struct {
	ParallelNodeCalls  bool `json:"parallel_node_calls" yaml:"parallel_node_calls"`
	MaxWorkers         int  `json:"max_workers" yaml:"max_workers"`
	RequestTimeout     int  `json:"request_timeout" yaml:"request_timeout"` // Seconds.
	ConnectPoolSize    int  `json:"connect_pool_size" yaml:"connect_pool_size"`
	ValidateTTLSeconds int  `json:"validate_ttl_seconds" yaml:"validate_ttl_seconds"`
}

// DBConfig tunes the local state database.
type DBConfig struct {
	WAL         bool   `json:"wal" yaml:"wal"`
	Synchronous string `json:"synchronous" yaml:"synchronous"` // FULL, NORMAL, or OFF.
	CacheSizeMB int    `json:"cache_size_mb" yaml:"cache_size_mb"`
}

// Config is the fleet configuration: the central panel whose inventory is
// authoritative, the node panels converged onto it, and tuning knobs.
// Every tuning field may be overridden through the environment; see ApplyEnv.
type Config struct {
	CentralServer       panel.Server   `json:"central_server" yaml:"central_server"`
	Nodes               []panel.Server `json:"nodes" yaml:"nodes"`
	SyncIntervalMinutes int            `json:"sync_interval_minutes" yaml:"sync_interval_minutes"`
	Net                 NetConfig      `json:"net" yaml:"net"`
	DB                  DBConfig       `json:"db" yaml:"db"`
}

// defaultConfig holds the documented defaults. LoadConfig decodes the file
// over it, so fields the file omits keep their default.
func defaultConfig() Config {
	return Config{
		SyncIntervalMinutes: 1,
		Net: NetConfig{
			ParallelNodeCalls:  true,
			MaxWorkers:         8,
			RequestTimeout:     10,
			ConnectPoolSize:    50,
			ValidateTTLSeconds: 60,
		},
		DB: DBConfig{
			WAL:         true,
			Synchronous: "NORMAL",
			CacheSizeMB: 20,
		},
	}
}

// LoadConfig reads the configuration from a JSON or YAML file (decided by
// extension), fills defaults for omitted fields, applies environment
// overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	var body, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg = defaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(body, &cfg)
	default:
		err = json.Unmarshal(body, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.ApplyEnv()

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return &cfg, nil
}

// Validate requires the central panel and at least one node.
func (c *Config) Validate() error {
	if c.CentralServer.URL == "" {
		return fmt.Errorf("missing central_server")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("missing nodes")
	}
	for i, n := range c.Nodes {
		if n.URL == "" {
			return fmt.Errorf("nodes[%d]: missing url", i)
		}
	}
	return nil
}

// ApplyEnv overrides configuration fields from the environment. A variable
// that's unset or fails to parse keeps the current value.
func (c *Config) ApplyEnv() {
	c.SyncIntervalMinutes = envInt("SYNC_INTERVAL_MINUTES", c.SyncIntervalMinutes)

	c.Net.ParallelNodeCalls = envBool("NET_PARALLEL_NODE_CALLS", c.Net.ParallelNodeCalls)
	c.Net.MaxWorkers = envInt("NET_MAX_WORKERS", c.Net.MaxWorkers)
	c.Net.RequestTimeout = envInt("NET_REQUEST_TIMEOUT", c.Net.RequestTimeout)
	c.Net.ConnectPoolSize = envInt("NET_CONNECT_POOL_SIZE", c.Net.ConnectPoolSize)
	c.Net.ValidateTTLSeconds = envInt("NET_VALIDATE_TTL_SECONDS", c.Net.ValidateTTLSeconds)

	c.DB.WAL = envBool("DB_WAL", c.DB.WAL)
	if v, ok := os.LookupEnv("DB_SYNCHRONOUS"); ok {
		switch mode := strings.ToUpper(strings.TrimSpace(v)); mode {
		case "FULL", "NORMAL", "OFF":
			c.DB.Synchronous = mode
		default:
			log.WithFields(log.Fields{
				"value":   v,
				"keeping": c.DB.Synchronous,
			}).Warn("invalid DB_SYNCHRONOUS")
		}
	}
	c.DB.CacheSizeMB = envInt("DB_CACHE_SIZE_MB", c.DB.CacheSizeMB)
}

// Interval returns the cycle period, floored at one minute.
func (c *Config) Interval() time.Duration {
	var mins = c.SyncIntervalMinutes
	if mins < 1 {
		mins = 1
	}
	return time.Duration(mins) * time.Minute
}

// NetOptions maps the net section onto panel session options.
func (c *Config) NetOptions() panel.NetOptions {
	return panel.NetOptions{
		RequestTimeout:  time.Duration(c.Net.RequestTimeout) * time.Second,
		ValidateTTL:     time.Duration(c.Net.ValidateTTLSeconds) * time.Second,
		ConnectPoolSize: c.Net.ConnectPoolSize,
	}
}

// DBOptions maps the db section onto state store options.
func (c *Config) DBOptions() state.Options {
	return state.Options{
		WAL:         c.DB.WAL,
		Synchronous: c.DB.Synchronous,
		CacheSizeMB: c.DB.CacheSizeMB,
	}
}

func envInt(key string, cur int) int {
	var v, ok = os.LookupEnv(key)
	if !ok {
		return cur
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return cur
	}
	return i
}

// envBool accepts 1/true/yes/on (any case) as true; anything else is false.
func envBool(key string, cur bool) bool {
	var v, ok = os.LookupEnv(key)
	if !ok {
		return cur
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
