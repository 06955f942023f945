// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// BanClass separates plain disconnects, which earn the minimum ban so a
// client cannot hot-loop reconnects, from behavioral violations.
type BanClass int8

const (
	BanClassDisconnect BanClass = iota
	BanClassViolation
)

type BanRecord struct {
	Address   string
	Class     BanClass
	ExpiresAt int64
}

// UpsertBan records or extends a ban. An existing longer ban is never
// shortened, and a violation class is never downgraded to disconnect.
func (db *dbClient) UpsertBan(ctx context.Context, ban *BanRecord) error {
	const stmt = `insert into bans (address, class, expires_at) values (:address, :class, :expires_at)
on conflict (address) do update set
	class = max(class, excluded.class),
	expires_at = max(expires_at, excluded.expires_at)`

	if _, err := db.exec(ctx, stmt, ban); err != nil {
		return errors.Wrapf(err, "failed to upsert ban for %v", ban.Address)
	}

	return nil
}

func (db *dbClient) GetBan(ctx context.Context, address string) (*BanRecord, error) {
	const q = `select address, class, expires_at from bans where address = :address`

	stmt, err := db.prepare(ctx, q, hashSQL(q))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare ban lookup")
	}
	var ban BanRecord
	if err = stmt.GetContext(ctx, &ban, map[string]any{"address": address}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrapf(err, "failed to query ban for %v", address)
	}

	return &ban, nil
}

// SweepExpiredBans compacts the ban table. Expiry is still checked lazily on
// admission, the sweep only bounds table growth.
func (db *dbClient) SweepExpiredBans(ctx context.Context, nowUnix int64) (int64, error) {
	rowsAffected, err := db.exec(ctx, `delete from bans where expires_at <= :now`, map[string]any{"now": nowUnix})

	return rowsAffected, errors.Wrap(err, "failed to sweep expired bans")
}
