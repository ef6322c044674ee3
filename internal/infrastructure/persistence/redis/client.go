// Package redis implements the Redis-backed rank index of the XP ledger:
// one sorted set of balances per season.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrConnection is returned when Redis cannot be reached.
	ErrConnection = errors.New("redis: connection failed")

	// ErrEmptyKey is returned when a season or user id is empty.
	ErrEmptyKey = errors.New("redis: key cannot be empty")
)

// Config describes the rank index connection.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int

	// Timeout applies to dialing and to each command. Rank lookups have a
	// store fallback, so it is kept short.
	Timeout time.Duration

	// KeyPrefix namespaces every key written by this package.
	KeyPrefix string
}

// DefaultConfig points at a local Redis.
func DefaultConfig() Config {
	return Config{
		Host:      "localhost",
		Port:      6379,
		PoolSize:  10,
		Timeout:   time.Second,
		KeyPrefix: "xp:",
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Options converts the config to client options. A single attempt is made
// per command; the circuit breaker in front of the cache handles repeated
// failures.
func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MaxRetries:   -1,
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
	}
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(cfg.Options())

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, cfg.Addr(), err)
	}
	return client, nil
}
