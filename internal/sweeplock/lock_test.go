package sweeplock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLock(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("a held lease must not be acquired again")
	}

	// A different name is an independent lease.
	ok, err = lock.Acquire(ctx, "runner", time.Minute)
	if err != nil || !ok {
		t.Errorf("independent lease: ok=%v err=%v", ok, err)
	}

	if err := lock.Release(ctx, "sweep"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Errorf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestMemoryLock_expiredLeaseIsFree(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep", -time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Errorf("an expired lease must be reacquirable: ok=%v err=%v", ok, err)
	}
}

func newRedisLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLock(client), mr
}

func TestRedisLock(t *testing.T) {
	lock, _ := newRedisLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("a held lease must not be acquired again")
	}

	if err := lock.Release(ctx, "sweep"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Errorf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLock_ttlExpiry(t *testing.T) {
	lock, mr := newRedisLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Minute)

	ok, err = lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Errorf("an expired lease must be reacquirable: ok=%v err=%v", ok, err)
	}
}

func TestRedisLock_releaseIsHolderScoped(t *testing.T) {
	lock, mr := newRedisLock(t)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// The lease lapses and another replica takes it over.
	mr.FastForward(2 * time.Minute)
	if err := mr.Set(keyPrefix+"sweep", "another-holder"); err != nil {
		t.Fatalf("seed foreign lease: %v", err)
	}

	// Our stale release must not evict the new holder.
	if err := lock.Release(ctx, "sweep"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := mr.Get(keyPrefix + "sweep"); err != nil {
		t.Error("release evicted a lease held by another replica")
	}
}
