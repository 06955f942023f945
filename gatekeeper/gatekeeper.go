// SPDX-License-Identifier: MIT

// Package gatekeeper is the per-source-address admission control layer:
// connection caps, the ban state machine and byte-rate throttling.
package gatekeeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/database/query"
)

var (
	ErrBanned             = errors.New("address is banned")
	ErrTooManyConnections = errors.New("too many concurrent connections from this address")
)

// BanStore is the persistence behind the ban state machine, backed by the
// relay database in production.
type BanStore interface {
	UpsertBan(ctx context.Context, ban *query.BanRecord) error
	GetBan(ctx context.Context, address string) (*query.BanRecord, error)
	SweepExpiredBans(ctx context.Context, nowUnix int64) (int64, error)
}

type Gatekeeper struct {
	store BanStore

	mx          sync.Mutex
	connections map[string]int
	buckets     map[*TokenBucket]struct{}

	activeConnections metrics.Counter
	bansIssued        metrics.Counter
	admissionsRefused metrics.Counter
}

func New(store BanStore) *Gatekeeper {
	return &Gatekeeper{
		store:             store,
		connections:       make(map[string]int),
		buckets:           make(map[*TokenBucket]struct{}),
		activeConnections: metrics.GetOrRegisterCounter("gatekeeper.connections.active", nil),
		bansIssued:        metrics.GetOrRegisterCounter("gatekeeper.bans.issued", nil),
		admissionsRefused: metrics.GetOrRegisterCounter("gatekeeper.admissions.refused", nil),
	}
}

// AcceptConnection admits or refuses a new connection from the address.
// Ban expiry is checked lazily here: an expired row simply stops matching,
// removal is left to the periodic sweep.
func (g *Gatekeeper) AcceptConnection(ctx context.Context, address string, snapshot *cfg.Config) error {
	ban, err := g.store.GetBan(ctx, address)
	if err != nil {
		return errors.Wrapf(err, "failed to look up ban for %v", address)
	}
	if ban != nil && time.Now().Unix() < ban.ExpiresAt {
		g.admissionsRefused.Inc(1)

		return errors.Wrapf(ErrBanned, "until %v", time.Unix(ban.ExpiresAt, 0))
	}

	g.mx.Lock()
	defer g.mx.Unlock()
	if limit := snapshot.MaxConnectionsPerIP; limit > 0 && g.connections[address] >= limit {
		g.admissionsRefused.Inc(1)

		return errors.Wrapf(ErrTooManyConnections, "limit %d", limit)
	}
	g.connections[address]++
	g.activeConnections.Inc(1)

	return nil
}

// ReleaseConnection frees the address slot and applies the disconnect ban:
// the minimum duration for plain closes, the violation duration otherwise.
// The minimum ban exists to damp tight reconnect loops.
func (g *Gatekeeper) ReleaseConnection(ctx context.Context, address string, class query.BanClass, snapshot *cfg.Config) {
	g.mx.Lock()
	if g.connections[address] <= 1 {
		delete(g.connections, address)
	} else {
		g.connections[address]--
	}
	g.activeConnections.Dec(1)
	g.mx.Unlock()

	g.Punish(ctx, address, class, snapshot)
}

// Punish records or extends a ban without touching connection accounting.
func (g *Gatekeeper) Punish(ctx context.Context, address string, class query.BanClass, snapshot *cfg.Config) {
	duration := snapshot.MinimumBanDuration
	if class == query.BanClassViolation {
		duration = snapshot.ViolationBanDuration
	}
	if duration <= 0 {
		return
	}
	ban := &query.BanRecord{
		Address:   address,
		Class:     class,
		ExpiresAt: time.Now().Add(duration).Unix(),
	}
	if err := g.store.UpsertBan(ctx, ban); err != nil {
		log.Printf("ERROR: failed to store ban for %v: %v", address, err)

		return
	}
	g.bansIssued.Inc(1)
}

// Run drives the shared one-second refill tick for every registered token
// bucket and the periodic ban-table sweep. One goroutine serves all
// connections.
func (g *Gatekeeper) Run(ctx context.Context) {
	refill := time.NewTicker(time.Second)
	defer refill.Stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refill.C:
			g.mx.Lock()
			for bucket := range g.buckets {
				bucket.refill()
			}
			g.mx.Unlock()
		case <-sweep.C:
			if _, err := g.store.SweepExpiredBans(ctx, time.Now().Unix()); err != nil {
				log.Printf("ERROR: failed to sweep expired bans: %v", err)
			}
		}
	}
}

// NewBucket registers a per-connection token bucket with the shared tick.
func (g *Gatekeeper) NewBucket(snapshot *cfg.Config) *TokenBucket {
	bucket := newTokenBucket(snapshot.ThrottlingBurst, snapshot.ThrottlingBytesPerSecond)

	g.mx.Lock()
	g.buckets[bucket] = struct{}{}
	g.mx.Unlock()

	return bucket
}

func (g *Gatekeeper) DropBucket(bucket *TokenBucket) {
	g.mx.Lock()
	delete(g.buckets, bucket)
	g.mx.Unlock()
}
