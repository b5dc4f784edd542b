package fabric

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lease scripts compare the stored owner before touching the key, so an
// instance can never renew or release a lease it lost.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// LeaseManager hands out time-bounded per-match ownership claims. Exactly
// one instance holds the lease for a match at a time; a crashed owner's
// claim lapses after the TTL.
type LeaseManager struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewLeaseManager creates a LeaseManager with the given lease TTL.
func NewLeaseManager(rdb *redis.Client, instanceID string, ttl time.Duration) *LeaseManager {
	return &LeaseManager{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

func leaseKey(matchID string) string { return "lease:match:" + matchID }

// Acquire attempts to claim ownership of the match. Returns true iff this
// instance now holds the lease (a fresh claim; an existing claim by the same
// instance is renewed instead).
func (l *LeaseManager) Acquire(ctx context.Context, matchID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaseKey(matchID), l.instanceID, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Not free: it may already be ours (restart, sweep overlap).
	return l.Renew(ctx, matchID)
}

// Renew extends the lease if this instance still owns it. Returns false if
// ownership was lost; the caller must stop ticking.
func (l *LeaseManager) Renew(ctx context.Context, matchID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(matchID)},
		l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if this instance owns it.
func (l *LeaseManager) Release(ctx context.Context, matchID string) error {
	return releaseScript.Run(ctx, l.rdb, []string{leaseKey(matchID)}, l.instanceID).Err()
}

// Owner returns the current lease holder, or "" when unclaimed.
func (l *LeaseManager) Owner(ctx context.Context, matchID string) (string, error) {
	owner, err := l.rdb.Get(ctx, leaseKey(matchID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
