package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

type Config struct {
	General GeneralConfig `yaml:"general"`
	User    UserConfig    `yaml:"user"`
	Shards  []ShardConfig `yaml:"shards"`

	// Version is stamped by the Store when the snapshot is published.
	Version uint64 `yaml:"-"`
}

type GeneralConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AdminPort      int           `yaml:"admin_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	PoolSize       int           `yaml:"pool_size"`
	PoolMode       string        `yaml:"pool_mode"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

type UserConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type ShardConfig struct {
	Database string        `yaml:"database"`
	Primary  BackendNode   `yaml:"primary"`
	Replicas []BackendNode `yaml:"replicas"`
}

type BackendNode struct {
	Address string `yaml:"address"`
}

const (
	PoolModeTransaction = "transaction"
	PoolModeSession     = "session"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &cfg, nil
}

// Validate checks the invariants the rest of the pooler relies on: at least
// one shard, every shard with a database name and exactly one primary, and
// sane pool sizing.
func (c *Config) Validate() error {
	if c.General.Port <= 0 {
		return trace.BadParameter("general.port must be set")
	}
	if c.General.AdminPort <= 0 {
		return trace.BadParameter("general.admin_port must be set")
	}
	if c.General.PoolSize <= 0 {
		return trace.BadParameter("general.pool_size must be positive, got %d", c.General.PoolSize)
	}
	switch c.General.PoolMode {
	case PoolModeTransaction, PoolModeSession:
	default:
		return trace.BadParameter("general.pool_mode must be %q or %q, got %q",
			PoolModeTransaction, PoolModeSession, c.General.PoolMode)
	}
	if c.User.Name == "" {
		return trace.BadParameter("user.name must be set")
	}
	if len(c.Shards) == 0 {
		return trace.BadParameter("at least one shard must be configured")
	}
	for i, shard := range c.Shards {
		if shard.Database == "" {
			return trace.BadParameter("shard %d: database must be set", i)
		}
		if err := validateAddress(shard.Primary.Address); err != nil {
			return trace.Wrap(err, "shard %d: primary", i)
		}
		for j, replica := range shard.Replicas {
			if err := validateAddress(replica.Address); err != nil {
				return trace.Wrap(err, "shard %d: replica %d", i, j)
			}
		}
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return trace.BadParameter("address must be set")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return trace.BadParameter("invalid address %q: %v", addr, err)
	}
	return nil
}

// KV is one flattened configuration entry, as reported by SHOW CONFIG.
type KV struct {
	Key   string
	Value string
}

// Flatten renders the snapshot as ordered key/value pairs: general keys
// first, then the user, then per-shard entries in shard order.
func (c *Config) Flatten() []KV {
	kvs := []KV{
		{"host", c.General.Host},
		{"port", strconv.Itoa(c.General.Port)},
		{"admin_port", strconv.Itoa(c.General.AdminPort)},
		{"connect_timeout", c.General.ConnectTimeout.String()},
		{"max_connections", strconv.Itoa(c.General.MaxConnections)},
		{"pool_size", strconv.Itoa(c.General.PoolSize)},
		{"pool_mode", c.General.PoolMode},
		{"idle_timeout", c.General.IdleTimeout.String()},
		{"user", c.User.Name},
	}
	for i, shard := range c.Shards {
		kvs = append(kvs, KV{fmt.Sprintf("shards.%d.database", i), shard.Database})
		kvs = append(kvs, KV{fmt.Sprintf("shards.%d.primary", i), shard.Primary.Address})
		for j, replica := range shard.Replicas {
			kvs = append(kvs, KV{fmt.Sprintf("shards.%d.replicas.%d", i, j), replica.Address})
		}
	}
	return kvs
}

var immutableKeys = map[string]bool{
	"host":            true,
	"port":            true,
	"connect_timeout": true,
}

// Changeable reports whether a flattened key may be altered by a RELOAD.
// Listener identity and dial timeout are fixed for the process lifetime.
func Changeable(key string) bool {
	return !immutableKeys[key]
}
