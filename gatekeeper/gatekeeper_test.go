// SPDX-License-Identifier: MIT

package gatekeeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryBanStore struct {
	mx   sync.Mutex
	bans map[string]*query.BanRecord
}

func newMemoryBanStore() *memoryBanStore {
	return &memoryBanStore{bans: make(map[string]*query.BanRecord)}
}

func (s *memoryBanStore) UpsertBan(_ context.Context, ban *query.BanRecord) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if existing, found := s.bans[ban.Address]; found {
		merged := *existing
		if ban.Class > merged.Class {
			merged.Class = ban.Class
		}
		if ban.ExpiresAt > merged.ExpiresAt {
			merged.ExpiresAt = ban.ExpiresAt
		}
		s.bans[ban.Address] = &merged

		return nil
	}
	clone := *ban
	s.bans[ban.Address] = &clone

	return nil
}

func (s *memoryBanStore) GetBan(_ context.Context, address string) (*query.BanRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if ban, found := s.bans[address]; found {
		clone := *ban

		return &clone, nil
	}

	return nil, nil
}

func (s *memoryBanStore) SweepExpiredBans(_ context.Context, nowUnix int64) (int64, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var swept int64
	for address, ban := range s.bans {
		if ban.ExpiresAt <= nowUnix {
			delete(s.bans, address)
			swept++
		}
	}

	return swept, nil
}

func TestConnectionCapPerAddress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := New(newMemoryBanStore())
	snapshot := &cfg.Config{MaxConnectionsPerIP: 5}

	for range 5 {
		require.NoError(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot))
	}
	require.ErrorIs(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot), ErrTooManyConnections)

	// Another address is unaffected.
	require.NoError(t, g.AcceptConnection(ctx, "10.0.0.2", snapshot))

	// Closing one connection frees a slot. No ban is configured here.
	g.ReleaseConnection(ctx, "10.0.0.1", query.BanClassDisconnect, &cfg.Config{})
	require.NoError(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot))
}

func TestBanStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryBanStore()
	g := New(store)
	snapshot := &cfg.Config{
		MaxConnectionsPerIP:  5,
		MinimumBanDuration:   2 * time.Second,
		ViolationBanDuration: time.Minute,
	}

	require.NoError(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot))
	g.ReleaseConnection(ctx, "10.0.0.1", query.BanClassDisconnect, snapshot)

	// Plain disconnects earn the minimum ban, refusing immediate reconnects.
	require.ErrorIs(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot), ErrBanned)

	// Once past expiry, the address is admitted again without a sweep.
	store.mx.Lock()
	store.bans["10.0.0.1"].ExpiresAt = time.Now().Unix() - 1
	store.mx.Unlock()
	require.NoError(t, g.AcceptConnection(ctx, "10.0.0.1", snapshot))

	// Violations earn the longer ban class.
	g.Punish(ctx, "10.0.0.2", query.BanClassViolation, snapshot)
	ban, err := store.GetBan(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, query.BanClassViolation, ban.Class)
	require.Greater(t, ban.ExpiresAt, time.Now().Add(30*time.Second).Unix())
}

func TestTokenBucket(t *testing.T) {
	t.Parallel()

	const burst, rate = 1_000, 100
	bucket := newTokenBucket(burst, rate)

	// The whole burst is available up front.
	require.True(t, bucket.Debit(burst))
	// Exhausted: any further debit is refused until a refill tick.
	require.False(t, bucket.Debit(1))

	// One tick restores exactly the per-second rate.
	bucket.refill()
	require.False(t, bucket.Debit(rate+1))
	require.True(t, bucket.Debit(rate))
	require.False(t, bucket.Debit(1))

	// The capacity stays the ceiling no matter how many ticks pass.
	for range 100 {
		bucket.refill()
	}
	require.False(t, bucket.Debit(burst+1))
	require.True(t, bucket.Debit(burst))

	// A zero rate disables throttling.
	require.True(t, newTokenBucket(0, 0).Debit(1<<40))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	g := New(newMemoryBanStore())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop on context cancellation")
	}
}

func TestBucketRegistryRefill(t *testing.T) {
	t.Parallel()
	g := New(newMemoryBanStore())
	snapshot := &cfg.Config{ThrottlingBurst: 10, ThrottlingBytesPerSecond: 5}

	bucket := g.NewBucket(snapshot)
	require.True(t, bucket.Debit(10))
	require.False(t, bucket.Debit(1))

	g.mx.Lock()
	for b := range g.buckets {
		b.refill()
	}
	g.mx.Unlock()
	require.True(t, bucket.Debit(5))

	g.DropBucket(bucket)
	g.mx.Lock()
	require.Empty(t, g.buckets)
	g.mx.Unlock()
}
