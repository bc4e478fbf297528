package commands

import (
	"errors"
	"time"
)

type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"IDENTITY_INDEX_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if s.MinConns > s.MaxConns {
		return errors.New("postgres min conns must not exceed max conns")
	}
	return nil
}

// ElasticFlags configures the search index and its bootstrap policy
type ElasticFlags struct {
	Addresses []string `help:"Elasticsearch node addresses" default:"http://localhost:9200" env:"ELASTICSEARCH_URL"`
	Username  string   `help:"Elasticsearch username" env:"ELASTICSEARCH_USERNAME"`
	Password  string   `help:"Elasticsearch password" env:"ELASTICSEARCH_PASSWORD"`
	Index     string   `help:"name of the identity index" default:"lha_users" env:"IDENTITY_INDEX_NAME"`

	InitAttempts  uint          `help:"index bootstrap attempts at startup" default:"5"`
	InitDelay     time.Duration `help:"base delay between bootstrap attempts" default:"5s"`
	WatchInterval time.Duration `help:"interval for retrying bootstrap after startup gave up" default:"30s"`
	WriteTimeout  time.Duration `help:"timeout for a single index write" default:"5s"`
	QueryTimeout  time.Duration `help:"timeout for a single index query before falling back" default:"5s"`
}

func (s *ElasticFlags) Validate() error {
	if len(s.Addresses) == 0 {
		return errors.New("at least one Elasticsearch address is required (--elastic-addresses or ELASTICSEARCH_URL)")
	}
	if s.InitAttempts == 0 {
		return errors.New("elastic init attempts must be at least 1")
	}
	if s.InitDelay <= 0 || s.WatchInterval <= 0 {
		return errors.New("elastic init delay and watch interval must be positive")
	}
	return nil
}

// RateLimitFlags configures admission control on the auth endpoints
type RateLimitFlags struct {
	Backend         string        `help:"rate limit state backend (memory or redis)" default:"memory" enum:"memory,redis" env:"IDENTITY_INDEX_RATE_LIMIT_BACKEND"`
	Limit           int           `help:"requests allowed per window per client and path" default:"5"`
	Window          time.Duration `help:"fixed window length" default:"15m"`
	CleanupInterval time.Duration `help:"how often expired in-memory windows are swept" default:"1m"`

	RedisAddr     string `help:"Redis address" default:"localhost:6379" env:"REDIS_ADDR"`
	RedisPassword string `help:"Redis password" env:"REDIS_PASSWORD"`
	RedisDB       int    `help:"Redis database number" default:"0"`
}

func (s *RateLimitFlags) Validate() error {
	if s.Limit <= 0 || s.Window <= 0 {
		return errors.New("rate limit and window must be positive")
	}
	if s.Backend == "redis" && s.RedisAddr == "" {
		return errors.New("redis address is required for the redis backend (--rate-limit-redis-addr or REDIS_ADDR)")
	}
	return nil
}
