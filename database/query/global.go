package query

import (
	"context"
	"sync"

	"github.com/descant-relay/descant/model"
)

var (
	globalDB struct {
		Client *dbClient
		Once   sync.Once
	}
)

func MustInit(url ...string) {
	target := ":memory:"

	if len(url) > 0 {
		target = url[0]
	}

	globalDB.Once.Do(func() {
		globalDB.Client = openDatabase(target, true)
	})
}

func AcceptEvent(ctx context.Context, event *model.Event) error {
	return globalDB.Client.AcceptEvent(ctx, event)
}

func GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return globalDB.Client.GetEvent(ctx, id)
}

func GetStoredEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	return globalDB.Client.SelectEvents(ctx, subscription)
}

func GetStoredEventKeys(ctx context.Context, subscription *model.Subscription) ([]EventKey, error) {
	return globalDB.Client.SelectEventKeys(ctx, subscription)
}

func CountEvents(ctx context.Context, subscription *model.Subscription) (int64, error) {
	return globalDB.Client.CountEvents(ctx, subscription)
}

func UpsertBan(ctx context.Context, ban *BanRecord) error {
	return globalDB.Client.UpsertBan(ctx, ban)
}

func GetBan(ctx context.Context, address string) (*BanRecord, error) {
	return globalDB.Client.GetBan(ctx, address)
}

func SweepExpiredBans(ctx context.Context, nowUnix int64) (int64, error) {
	return globalDB.Client.SweepExpiredBans(ctx, nowUnix)
}
