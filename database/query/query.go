// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/descant-relay/descant/model"
)

const (
	selectDefaultBatchLimit = 100
)

var (
	ErrUnexpectedRowsAffected = errors.New("unexpected rows affected")
	ErrEventNotFound          = errors.New("event not found")
	errEventIteratorInterrupted = errors.New("interrupted")
)

type databaseEvent struct {
	model.Event
	DTag  string
	Jtags string
}

// EventKey is the (created_at, id) projection used to seed negentropy
// reconciliation vectors.
type EventKey struct {
	ID        string
	CreatedAt model.Timestamp
}

type EventIterator iter.Seq2[*model.Event, error]

// AcceptEvent persists an inbound event according to its kind class.
// Ephemeral events are never persisted. Tombstoned ids are never
// re-accepted. Replaceable and addressable kinds supersede the older
// event for the same author (and d tag) in the same transaction.
// A resubmitted id yields model.ErrDuplicate, which is not a failure.
func (db *dbClient) AcceptEvent(ctx context.Context, event *model.Event) error {
	if event.IsEphemeral() {
		return nil
	}

	tombstoned, err := db.isTombstoned(ctx, event.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to check tombstones for event %v", event.ID)
	}
	if tombstoned {
		return errors.Wrapf(model.ErrTombstoned, "event %v", event.ID)
	}

	if event.IsDeletion() {
		if err = db.deleteReferencedEvents(ctx, event); err != nil {
			return errors.Wrapf(err, "failed to delete events referenced by %v", event.ID)
		}
	}

	return db.saveEvent(ctx, event)
}

func (db *dbClient) saveEvent(ctx context.Context, event *model.Event) error {
	jtags, err := json.Marshal(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}
	dbEvent := databaseEvent{
		Event: *event,
		DTag:  event.DTag(),
		Jtags: string(jtags),
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin event insert tx")
	}
	defer tx.Rollback()

	if event.IsReplaceable() {
		superseded, sErr := replaceOlderEvent(ctx, tx, event)
		if sErr != nil {
			return sErr
		}
		if superseded {
			return errors.Wrapf(model.ErrDuplicate, "event %v is older than the stored replaceable event", event.ID)
		}
	}

	const stmt = `insert into events
	(id, kind, pubkey, created_at, d_tag, content, sig, tags)
values
	(:id, :kind, :pubkey, :created_at, :d_tag, :content, :sig, :jtags)
on conflict (id) do nothing`

	result, err := tx.NamedExecContext(ctx, stmt, dbEvent)
	if err != nil {
		return errors.Wrap(err, "failed to exec insert event sql")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to process rows affected for event insert")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(model.ErrDuplicate, "event %v", event.ID)
	}

	if err = insertEventTags(ctx, tx, event); err != nil {
		return errors.Wrapf(err, "failed to index tags for event %v", event.ID)
	}

	return errors.Wrap(tx.Commit(), "failed to commit event insert tx")
}

// replaceOlderEvent removes the currently stored event for the same
// (kind, pubkey, d_tag) slot when the incoming one is newer. It reports
// superseded=true when the stored event wins: newer creation time, or the
// lower id on a creation-time tie.
func replaceOlderEvent(ctx context.Context, tx *sqlx.Tx, event *model.Event) (superseded bool, err error) {
	var existing []struct {
		ID        string
		CreatedAt int64
	}
	const q = `select id, created_at from events where kind = ? and pubkey = ? and d_tag = ?`
	if err = tx.SelectContext(ctx, &existing, q, event.Kind, event.PubKey, event.DTag()); err != nil {
		return false, errors.Wrap(err, "failed to select stored replaceable event")
	}

	ids := make([]string, 0, len(existing))
	for _, stored := range existing {
		if stored.CreatedAt > int64(event.CreatedAt) ||
			(stored.CreatedAt == int64(event.CreatedAt) && stored.ID <= event.ID) {
			return true, nil
		}
		ids = append(ids, stored.ID)
	}
	if len(ids) == 0 {
		return false, nil
	}

	if err = deleteEventsByID(ctx, tx, ids); err != nil {
		return false, errors.Wrap(err, "failed to delete superseded replaceable events")
	}

	return false, nil
}

func insertEventTags(ctx context.Context, tx *sqlx.Tx, event *model.Event) error {
	const stmt = `insert into event_tags (event_id, tag_key, tag_value) values (?, ?, ?)`

	for _, tag := range event.Tags {
		// Only single-letter tag names are queryable per NIP-01.
		if len(tag) < 2 || len(tag.Key()) != 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt, event.ID, tag.Key(), tag.Value()); err != nil {
			return errors.Wrapf(err, "failed to insert tag %q", tag.Key())
		}
	}

	return nil
}

func deleteEventsByID(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	query, args, err := sqlx.In(`delete from events where id in (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "failed to expand event id list")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to delete events")
	}
	query, args, err = sqlx.In(`delete from event_tags where event_id in (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "failed to expand event id list for tags")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to delete event tags")
	}

	return nil
}

// deleteReferencedEvents handles a NIP-09 deletion: every referenced event
// owned by the deletion author is tombstoned and removed. Ids referenced via
// e tags become tombstones so a resubmission is refused even with a valid
// signature. Events by other authors are left untouched.
func (db *dbClient) deleteReferencedEvents(ctx context.Context, event *model.Event) error {
	refs, err := model.ParseEventReference(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to detect events to delete")
	}
	if len(refs) == 0 {
		return nil
	}
	filters := model.Filters{}
	for _, r := range refs {
		filters = append(filters, r.Filter())
	}

	where, params, err := newWhereBuilder().Build(filters...)
	if err != nil {
		return errors.Wrap(err, "failed to generate where clause for deletion")
	}
	params["owner_pub_key"] = event.PubKey
	params["deletion_created_at"] = int64(event.CreatedAt)

	q := `select id from events where (` + where + `) and pubkey = :owner_pub_key and created_at <= :deletion_created_at and kind != ` + fmt.Sprint(event.Kind)
	stmt, err := db.prepare(ctx, q, hashSQL(q))
	if err != nil {
		return errors.Wrapf(err, "failed to prepare deletion select sql: %q", q)
	}
	var ids []string
	if err = stmt.SelectContext(ctx, &ids, params); err != nil {
		return errors.Wrapf(err, "failed to select events to delete: %q", q)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin deletion tx")
	}
	defer tx.Rollback()

	var sb strings.Builder
	args := make([]any, 0, len(ids)*3)
	for i, id := range ids {
		if i > 0 {
			sb.WriteRune(',')
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, id, event.PubKey, int64(event.CreatedAt))
	}
	if _, err = tx.ExecContext(ctx, `insert into tombstones (id, pubkey, deleted_at) values `+sb.String()+` on conflict (id) do nothing`, args...); err != nil {
		return errors.Wrap(err, "failed to insert tombstones")
	}
	if err = deleteEventsByID(ctx, tx, ids); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit deletion tx")
}

func (db *dbClient) isTombstoned(ctx context.Context, id string) (bool, error) {
	const q = `select 1 from tombstones where id = :id`

	stmt, err := db.prepare(ctx, q, hashSQL(q))
	if err != nil {
		return false, errors.Wrap(err, "failed to prepare tombstone lookup")
	}
	var one int
	if err = stmt.GetContext(ctx, &one, map[string]any{"id": id}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, errors.Wrap(err, "failed to query tombstone")
	}

	return true, nil
}

func (db *dbClient) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	const q = `select e.kind, e.created_at, e.id, e.pubkey, e.sig, e.content, e.tags as jtags from events e where id = :id`

	stmt, err := db.prepare(ctx, q, hashSQL(q))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare event lookup")
	}
	var ev databaseEvent
	if err = stmt.GetContext(ctx, &ev, map[string]any{"id": id}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrEventNotFound, "id %v", id)
		}

		return nil, errors.Wrap(err, "failed to query event by id")
	}
	if err = ev.Tags.Scan(ev.Jtags); err != nil {
		return nil, errors.Wrap(err, "failed to decode tags")
	}

	return &ev.Event, nil
}

// SelectEvents streams events matching the subscription, ordered by
// created_at descending with the id ascending tiebreak, truncated at the
// largest filter limit when one is present.
func (db *dbClient) SelectEvents(ctx context.Context, subscription *model.Subscription) EventIterator {
	limit := int64(selectDefaultBatchLimit)
	hasLimitFilter := false
	if subscription != nil {
		for i := range subscription.Filters {
			if l := int64(subscription.Filters[i].Limit); l > 0 && (!hasLimitFilter || l > limit) {
				limit = l
				hasLimitFilter = true
			}
		}
	}

	it := &eventIterator{
		oneShot: hasLimitFilter && limit <= selectDefaultBatchLimit,
		fetch: func(pivot *eventPivot) (*sqlx.Rows, error) {
			if limit <= 0 {
				return nil, nil
			}

			sql, params, err := generateSelectEventsSQL(subscription, pivot, min(selectDefaultBatchLimit, limit))
			if err != nil {
				return nil, err
			}

			stmt, err := db.prepare(ctx, sql, hashSQL(sql))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to prepare query sql: %q", sql)
			}

			rows, err := stmt.QueryxContext(ctx, params)
			if err != nil {
				err = errors.Wrapf(err, "failed to query events sql: %q", sql)
			}

			if hasLimitFilter && err == nil {
				limit -= selectDefaultBatchLimit
			}

			return rows, err
		}}

	return func(yield func(*model.Event, error) bool) {
		err := it.Each(ctx, func(event *model.Event) error {
			if !yield(event, nil) {
				return errEventIteratorInterrupted
			}

			return nil
		})

		if err != nil && !errors.Is(err, errEventIteratorInterrupted) {
			yield(nil, errors.Wrap(err, "failed to iterate events"))
		}
	}
}

// SelectEventKeys returns (id, created_at) pairs matching the subscription
// in ascending creation-time order, ties broken by id. Negentropy vectors
// are built from this projection without loading event bodies.
func (db *dbClient) SelectEventKeys(ctx context.Context, subscription *model.Subscription) ([]EventKey, error) {
	where, params, err := generateEventsWhereClause(subscription)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate events where clause")
	}

	q := `select id, created_at from events e where ` + where + ` order by created_at asc, id asc`
	stmt, err := db.prepare(ctx, q, hashSQL(q))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare query sql: %q", q)
	}

	var keys []EventKey
	if err = stmt.SelectContext(ctx, &keys, params); err != nil {
		return nil, errors.Wrapf(err, "failed to query event keys sql: %q", q)
	}

	return keys, nil
}

func (db *dbClient) CountEvents(ctx context.Context, subscription *model.Subscription) (count int64, err error) {
	where, params, err := generateEventsWhereClause(subscription)
	if err != nil {
		return -1, errors.Wrap(err, "failed to generate events where clause")
	}

	sql := `select count(id) from events e where ` + where

	stmt, err := db.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return -1, errors.Wrapf(err, "failed to prepare query sql: %q", sql)
	}

	err = stmt.GetContext(ctx, &count, params)
	if err != nil {
		err = errors.Wrapf(err, "failed to query events count sql: %q", sql)
	}

	return count, err
}

func generateSelectEventsSQL(subscription *model.Subscription, pivot *eventPivot, limit int64) (sql string, params map[string]any, err error) {
	where, params, err := generateEventsWhereClause(subscription)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to generate events where clause")
	}

	var pivotFilter string
	if pivot != nil {
		pivotFilter = ` (e.created_at < :pivot_created_at OR (e.created_at = :pivot_created_at AND e.id > :pivot_id)) AND `
		params["pivot_created_at"] = pivot.CreatedAt
		params["pivot_id"] = pivot.ID
	}

	var limitQuery string
	if limit > 0 {
		params["mainlimit"] = limit
		limitQuery = ` limit :mainlimit`
	}

	return `
select
	e.kind,
	e.created_at,
	e.id,
	e.pubkey,
	e.sig,
	e.content,
	e.tags as jtags
from
	events e
where ` + pivotFilter + `(` + where + `)
order by
	e.created_at desc, e.id asc
` + limitQuery, params, nil
}

func generateEventsWhereClause(subscription *model.Subscription) (clause string, params map[string]any, err error) {
	var filters []model.Filter

	if subscription != nil {
		filters = subscription.Filters
	}

	return newWhereBuilder().Build(filters...)
}
