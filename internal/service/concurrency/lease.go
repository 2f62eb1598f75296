package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease grants one process the right to dispatch a campaign. A holder must
// renew before the TTL elapses or another process may take over.
type Lease interface {
	Acquire(ctx context.Context, campaignID uuid.UUID) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease stores the holder identity under a per-campaign key with a TTL.
type RedisLease struct {
	client *redis.Client
	owner  string
	prefix string
	ttl    time.Duration
}

// NewRedisLease builds a lease for the given owner identity.
func NewRedisLease(client *redis.Client, owner, prefix string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if prefix == "" {
		prefix = "dialer:lease"
	}
	return &RedisLease{client: client, owner: owner, prefix: prefix, ttl: ttl}
}

// Acquire takes the lease when free or renews it when already held by us.
func (l *RedisLease) Acquire(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	key := l.key(campaignID)
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return renewed == 1, nil
}

// Release drops the lease only if this owner still holds it.
func (l *RedisLease) Release(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(campaignID)}, l.owner).Int(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func (l *RedisLease) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s", l.prefix, campaignID.String())
}

// LocalLease is the single-process lease used in dry runs and tests.
type LocalLease struct {
	owner string
	ttl   time.Duration
	table *leaseTable
}

type leaseTable struct {
	mu      sync.Mutex
	now     func() time.Time
	holders map[uuid.UUID]localHold
}

type localHold struct {
	owner   string
	expires time.Time
}

// NewLocalLease creates an in-process lease table.
func NewLocalLease(owner string, ttl time.Duration) *LocalLease {
	return &LocalLease{
		owner: owner,
		ttl:   ttl,
		table: &leaseTable{now: time.Now, holders: make(map[uuid.UUID]localHold)},
	}
}

// ForOwner returns a view of the same lease table for another owner.
func (l *LocalLease) ForOwner(owner string) *LocalLease {
	return &LocalLease{owner: owner, ttl: l.ttl, table: l.table}
}

// SetClock replaces the time source of the shared table.
func (l *LocalLease) SetClock(now func() time.Time) {
	l.table.mu.Lock()
	l.table.now = now
	l.table.mu.Unlock()
}

func (l *LocalLease) Acquire(_ context.Context, campaignID uuid.UUID) (bool, error) {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if h, ok := t.holders[campaignID]; ok && h.owner != l.owner && now.Before(h.expires) {
		return false, nil
	}
	t.holders[campaignID] = localHold{owner: l.owner, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *LocalLease) Release(_ context.Context, campaignID uuid.UUID) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.holders[campaignID]; ok && h.owner == l.owner {
		delete(t.holders, campaignID)
	}
	return nil
}
