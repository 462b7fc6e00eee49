// Package redisstore implements the primary counter and violation store and
// the event stream on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaguard/quotaguard/internal/domain/ratelimit"
)

// Config holds connection settings.
type Config struct {
	// Addrs is one address for a single node, or a seed list for cluster mode.
	Addrs    []string
	Username string
	Password string
	DB       int
	PoolSize int
	// DialTimeout bounds connection setup; request budgets are enforced per call by the caller.
	DialTimeout time.Duration
}

// NewClient creates a universal client (single node or cluster, depending on Addrs).
func NewClient(cfg Config) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		// Budgets come from the per-call context.
		ContextTimeoutEnabled: true,
	})
}

// unavailableReplies are server replies that mean the node cannot serve
// requests right now, as opposed to rejecting this particular command.
var unavailableReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN", "BUSY", "NOREPLICAS"}

// wrapErr tags deadline and network timeouts with ratelimit.ErrStoreTimeout,
// and command-level replies such as WRONGTYPE with ratelimit.ErrStoreRejected.
func wrapErr(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("redis %s: %w: %w", op, ratelimit.ErrStoreTimeout, err)
	}
	if rejected(err) {
		return fmt.Errorf("redis %s: %w: %w", op, ratelimit.ErrStoreRejected, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

// rejected reports whether err is a reply about the command or its data.
func rejected(err error) bool {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return true
	}
	var replyErr redis.Error
	if !errors.As(err, &replyErr) {
		return false
	}
	for _, prefix := range unavailableReplies {
		if redis.HasErrorPrefix(err, prefix) {
			return false
		}
	}
	return true
}
