package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the key only while it still carries the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLease      = errors.New("invalid_lease")
)

// Locker hands out exclusive leases on redis keys so one replica runs a job
// at a time.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

// Lease is a held lock. It expires on its own after the ttl it was acquired
// with.
type Lease struct {
	Key   string
	token string
	owner *Locker
}

// NewLocker returns nil when client is nil.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, release: redis.NewScript(releaseScript)}
}

// Acquire returns a nil lease when another holder has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil {
		return nil, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}

	token := uuid.NewString()
	won, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !won {
		return nil, err
	}
	return &Lease{Key: key, token: token, owner: l}, nil
}

// Release is a no-op on a nil lease or one that has already lapsed and been
// taken by someone else.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.owner == nil {
		return nil
	}
	return le.owner.release.Run(ctx, le.owner.client, []string{le.Key}, le.token).Err()
}
