// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"testing"
	"time"

	combinations "github.com/mxschmitt/golang-combinations"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/descant-relay/descant/model"
)

func helperTimestamp(v int64) *model.Timestamp {
	ts := model.Timestamp(v)

	return &ts
}

func TestWhereBuilderEmptyFilters(t *testing.T) {
	t.Parallel()

	sql, params, err := newWhereBuilder().Build()
	require.NoError(t, err)
	require.Equal(t, whereBuilderDefaultWhere, sql)
	require.Empty(t, params)

	sql, params, err = newWhereBuilder().Build(model.Filter{})
	require.NoError(t, err)
	require.Equal(t, whereBuilderDefaultWhere, sql)
	require.Empty(t, params)
}

func TestWhereBuilderInvalidTimeRange(t *testing.T) {
	t.Parallel()

	_, _, err := newWhereBuilder().Build(model.Filter{Since: helperTimestamp(100), Until: helperTimestamp(50)})
	require.ErrorIs(t, err, ErrWhereBuilderInvalidTimeRange)
}

// Every combination of filter constraints must produce exactly the same
// result set as the in-memory matching predicate, since fan-out relies on
// that predicate and queries rely on the generated SQL.
func TestWhereBuilderMatchesFilterPredicate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()
	db := helperNewDatabase(t)

	events := []*model.Event{
		helperNewEvent(nostr.KindTextNote, "alice", 1_000, model.Tags{{"t", "go"}}),
		helperNewEvent(nostr.KindTextNote, "bob", 2_000, model.Tags{{"t", "rust"}, {"p", "alice"}}),
		helperNewEvent(nostr.KindFollowList, "alice", 3_000, model.Tags{{"p", "bob"}}),
		helperNewEvent(nostr.KindTextNote, "carol", 4_000, model.Tags{}),
		helperNewEvent(nostr.KindReaction, "bob", 5_000, model.Tags{{"e", "some-id"}, {"p", "carol"}}),
	}
	for _, ev := range events {
		require.NoError(t, db.AcceptEvent(ctx, ev))
	}

	constraints := []string{"ids", "kinds", "authors", "tags", "time"}
	for _, combo := range combinations.All(constraints) {
		filter := model.Filter{}
		for _, c := range combo {
			switch c {
			case "ids":
				filter.IDs = []string{events[0].ID, events[1].ID, events[4].ID}
			case "kinds":
				filter.Kinds = []int{nostr.KindTextNote, nostr.KindReaction}
			case "authors":
				filter.Authors = []string{"alice", "bob"}
			case "tags":
				filter.Tags = model.TagMap{"p": {"alice", "carol"}}
			case "time":
				filter.Since = helperTimestamp(1_500)
				filter.Until = helperTimestamp(4_500)
			}
		}

		got := helperCollect(t, db.SelectEvents(ctx, &model.Subscription{Filters: model.Filters{filter}}))
		gotIDs := make(map[string]bool, len(got))
		for _, ev := range got {
			gotIDs[ev.ID] = true
		}

		for _, ev := range events {
			require.Equal(t, model.FilterMatches(&filter, ev), gotIDs[ev.ID],
				"filter %+v disagrees with predicate on event %v", combo, ev.ID)
		}
	}
}

func TestWhereBuilderMultipleFiltersAreORed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()
	db := helperNewDatabase(t)

	a := helperNewEvent(nostr.KindTextNote, "alice", 1_000, model.Tags{})
	b := helperNewEvent(nostr.KindFollowList, "bob", 2_000, model.Tags{})
	c := helperNewEvent(nostr.KindReaction, "carol", 3_000, model.Tags{})
	for _, ev := range []*model.Event{a, b, c} {
		require.NoError(t, db.AcceptEvent(ctx, ev))
	}

	events := helperCollect(t, db.SelectEvents(ctx, &model.Subscription{Filters: model.Filters{
		{Authors: []string{"alice"}},
		{Kinds: []int{nostr.KindReaction}},
	}}))
	require.Len(t, events, 2)
	ids := []string{events[0].ID, events[1].ID}
	require.Contains(t, ids, a.ID)
	require.Contains(t, ids, c.ID)
}

func TestWhereBuilderTagValueTruncation(t *testing.T) {
	t.Parallel()

	values := make([]string, tagValuesMax+10)
	for i := range values {
		values[i] = time.Now().String() + string(rune('a'+i%26))
	}

	sql, params, err := newWhereBuilder().Build(model.Filter{Tags: model.TagMap{"p": values}})
	require.NoError(t, err)
	require.NotEqual(t, whereBuilderDefaultWhere, sql)
	// One param for the tag key, at most tagValuesMax for the values.
	require.LessOrEqual(t, len(params), tagValuesMax+1)
}
