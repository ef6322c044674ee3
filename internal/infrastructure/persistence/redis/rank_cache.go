package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/civicquest/xp-ledger/pkg/circuitbreaker"
)

// RankCache stores balances in a per-season sorted set scored by xp.
// A user's rank is 1 + the number of members with a strictly greater score,
// so tied users share a rank.
type RankCache struct {
	client redis.Cmdable
	prefix string
}

// NewRankCache creates a RankCache over client.
func NewRankCache(client redis.Cmdable, prefix string) *RankCache {
	return &RankCache{client: client, prefix: prefix}
}

// key returns the sorted set holding a season's balances.
func (c *RankCache) key(seasonID string) string {
	return c.prefix + "rank:" + seasonID
}

// SetScore records the current xp of a user.
func (c *RankCache) SetScore(ctx context.Context, seasonID, userID string, xp int) error {
	if seasonID == "" || userID == "" {
		return ErrEmptyKey
	}
	err := c.client.ZAdd(ctx, c.key(seasonID), redis.Z{Score: float64(xp), Member: userID}).Err()
	if err != nil {
		return fmt.Errorf("failed to set rank score: %w", err)
	}
	return nil
}

// SetScores records many users with one ZADD.
func (c *RankCache) SetScores(ctx context.Context, seasonID string, scores map[string]int) error {
	if seasonID == "" {
		return ErrEmptyKey
	}
	if len(scores) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(scores))
	for userID, xp := range scores {
		members = append(members, redis.Z{Score: float64(xp), Member: userID})
	}
	if err := c.client.ZAdd(ctx, c.key(seasonID), members...).Err(); err != nil {
		return fmt.Errorf("failed to load rank scores: %w", err)
	}
	return nil
}

// Rank returns the user's rank and false when the user has no score.
func (c *RankCache) Rank(ctx context.Context, seasonID, userID string) (int, bool, error) {
	if seasonID == "" || userID == "" {
		return 0, false, ErrEmptyKey
	}
	key := c.key(seasonID)

	score, err := c.client.ZScore(ctx, key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rank score: %w", err)
	}

	above, err := c.client.ZCount(ctx, key, "("+strconv.FormatFloat(score, 'f', -1, 64), "+inf").Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to count higher scores: %w", err)
	}
	return int(above) + 1, true, nil
}

// Remove drops a user from the season's index.
func (c *RankCache) Remove(ctx context.Context, seasonID, userID string) error {
	return c.client.ZRem(ctx, c.key(seasonID), userID).Err()
}

// Size returns the number of ranked users in the season.
func (c *RankCache) Size(ctx context.Context, seasonID string) (int64, error) {
	return c.client.ZCard(ctx, c.key(seasonID)).Result()
}

// GuardedRankCache fails fast while redis keeps failing. Rejected lookups
// return circuitbreaker.ErrCircuitOpen and callers rank from the store.
type GuardedRankCache struct {
	cache   *RankCache
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedRankCache wraps cache with breaker.
func NewGuardedRankCache(cache *RankCache, breaker *circuitbreaker.CircuitBreaker) *GuardedRankCache {
	return &GuardedRankCache{cache: cache, breaker: breaker}
}

// SetScore implements the rank writer used by the rank index handler.
func (g *GuardedRankCache) SetScore(ctx context.Context, seasonID, userID string, xp int) error {
	if seasonID == "" || userID == "" {
		return ErrEmptyKey
	}
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.cache.SetScore(ctx, seasonID, userID, xp)
	})
}

// SetScores loads a page of balances into the index.
func (g *GuardedRankCache) SetScores(ctx context.Context, seasonID string, scores map[string]int) error {
	if seasonID == "" {
		return ErrEmptyKey
	}
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.cache.SetScores(ctx, seasonID, scores)
	})
}

// Rank implements the rank index used by the rank query.
func (g *GuardedRankCache) Rank(ctx context.Context, seasonID, userID string) (int, bool, error) {
	if seasonID == "" || userID == "" {
		return 0, false, ErrEmptyKey
	}
	var rank int
	var found bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rank, found, err = g.cache.Rank(ctx, seasonID, userID)
		return err
	})
	return rank, found, err
}

// State reports the breaker state.
func (g *GuardedRankCache) State() circuitbreaker.State {
	return g.breaker.State()
}
