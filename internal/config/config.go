// Package config loads the service configuration from a YAML file with
// environment overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tiercore.io/internal/loyalty"
)

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string `yaml:"addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	RateLimitRPS    int    `yaml:"rate_limit_rps"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
}

// Database selects the backing store. An empty DSN runs the in-memory store,
// which is only meant for development and tests.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Redis configures the optional tier catalog cache. Empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	TTLSec   int    `yaml:"ttl_sec"`
}

// Engine carries tier-engine tunables. Priorities override the default
// source ranking; TenantPriorities layers per-tenant overrides on top.
type Engine struct {
	Priorities       map[string]int            `yaml:"source_priorities,omitempty"`
	TenantPriorities map[string]map[string]int `yaml:"tenant_priorities,omitempty"`
	BulkWorkers      int                       `yaml:"bulk_workers"`
}

// Config is the root document.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Engine   Engine   `yaml:"engine"`
}

// Load reads path and applies defaults and env overrides. A missing file is
// not an error; the defaults describe a development setup.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if v := os.Getenv("TIERCORE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TIERCORE_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TIERCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TIERCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 30,
			MaxBodyBytes:    1 << 20,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Redis:  Redis{TTLSec: 60},
		Engine: Engine{BulkWorkers: 8},
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if c.Engine.BulkWorkers < 1 {
		return fmt.Errorf("engine.bulk_workers must be at least 1")
	}
	for kind := range c.Engine.Priorities {
		if !loyalty.KnownKind(loyalty.SourceKind(kind)) {
			return fmt.Errorf("engine.source_priorities: unknown source kind %q", kind)
		}
	}
	for tenant, overrides := range c.Engine.TenantPriorities {
		for kind := range overrides {
			if !loyalty.KnownKind(loyalty.SourceKind(kind)) {
				return fmt.Errorf("engine.tenant_priorities[%s]: unknown source kind %q", tenant, kind)
			}
		}
	}
	return nil
}

// PrioritiesFor resolves the effective priority table for a tenant: defaults,
// then global overrides, then the tenant's own overrides.
func (c *Config) PrioritiesFor(tenantID string) loyalty.PriorityTable {
	table := loyalty.DefaultPriorities()
	table = table.Merge(kindTable(c.Engine.Priorities))
	if overrides, ok := c.Engine.TenantPriorities[tenantID]; ok {
		table = table.Merge(kindTable(overrides))
	}
	return table
}

// TenantPriorityTables resolves the effective table for every tenant with
// overrides, keyed by tenant id.
func (c *Config) TenantPriorityTables() map[string]loyalty.PriorityTable {
	if len(c.Engine.TenantPriorities) == 0 {
		return nil
	}
	tables := make(map[string]loyalty.PriorityTable, len(c.Engine.TenantPriorities))
	for tenant := range c.Engine.TenantPriorities {
		tables[tenant] = c.PrioritiesFor(tenant)
	}
	return tables
}

func kindTable(raw map[string]int) loyalty.PriorityTable {
	if len(raw) == 0 {
		return nil
	}
	table := make(loyalty.PriorityTable, len(raw))
	for kind, prio := range raw {
		table[loyalty.SourceKind(kind)] = prio
	}
	return table
}
