// SPDX-License-Identifier: MIT

package query

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/descant-relay/descant/model"
)

// eventPivot is the restart cursor of a lazy result sequence: the
// (created_at, id) position of the last row delivered so far.
type eventPivot struct {
	CreatedAt int64
	ID        string
}

type eventIterator struct {
	fetch   func(pivot *eventPivot) (*sqlx.Rows, error)
	oneShot bool
}

func (it *eventIterator) decodeTags(jtags string) (tags model.Tags, err error) {
	if len(jtags) == 0 {
		return
	}

	if err = tags.Scan(jtags); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tags")
	}

	return tags, nil
}

func (it *eventIterator) scanEvent(rows *sqlx.Rows) (_ *databaseEvent, err error) {
	var ev databaseEvent

	if err := rows.StructScan(&ev); err != nil {
		return nil, errors.Wrap(err, "failed to struct scan")
	}

	if ev.Tags, err = it.decodeTags(ev.Jtags); err != nil {
		return nil, errors.Wrap(err, "failed to decode tags")
	}

	return &ev, nil
}

func (it *eventIterator) scanBatch(ctx context.Context, fn func(*model.Event) error, pivot *eventPivot) (*eventPivot, error) {
	rows, err := it.fetch(pivot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	} else if rows == nil {
		return pivot, nil
	}
	defer rows.Close()

	next := pivot
	for rows.Next() && ctx.Err() == nil {
		event, err := it.scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}

		next = &eventPivot{CreatedAt: int64(event.CreatedAt), ID: event.ID}

		err = fn(&event.Event)
		if err != nil {
			return nil, errors.Wrap(err, "failed to process event")
		}
	}

	return next, nil
}

func (it *eventIterator) Each(ctx context.Context, fn func(*model.Event) error) error {
	var pivot *eventPivot

	for ctx.Err() == nil {
		newPivot, err := it.scanBatch(ctx, fn, pivot)
		if err != nil {
			return err
		}

		if pivot == newPivot || it.oneShot {
			return nil
		}

		pivot = newPivot
	}

	return ctx.Err()
}
