// SPDX-License-Identifier: MIT

package query

import (
	"context"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rand"

	"github.com/descant-relay/descant/model"
)

// Randomized corpus: inserts a few hundred events with random kinds,
// authors and timestamps, then checks that per-author and per-kind queries
// agree with a brute-force scan of the corpus.
func TestSelectEventsRandomizedCorpus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()
	db := helperNewDatabase(t)
	rng := rand.New(42)

	regularKinds := []int{1, 4, 6, 7, 42, 1_984, 9_735}
	authors := []string{"alice", "bob", "carol", "dave"}

	corpus := make([]*model.Event, 0, 300)
	for range 300 {
		ev := helperNewEvent(
			regularKinds[rng.Intn(len(regularKinds))],
			authors[rng.Intn(len(authors))],
			1_000_000+int64(rng.Intn(100_000)),
			model.Tags{{"t", "topic" + strconv.Itoa(rng.Intn(3))}},
		)
		ev.ID = uuid.NewString()
		require.NoError(t, db.AcceptEvent(ctx, ev))
		corpus = append(corpus, ev)
	}

	for range 20 {
		filter := model.Filter{
			Kinds:   []int{regularKinds[rng.Intn(len(regularKinds))]},
			Authors: []string{authors[rng.Intn(len(authors))]},
		}
		if rng.Intn(2) == 0 {
			filter.Tags = model.TagMap{"t": {"topic" + strconv.Itoa(rng.Intn(3))}}
		}

		expected := 0
		for _, ev := range corpus {
			if model.FilterMatches(&filter, ev) {
				expected++
			}
		}

		got := helperCollect(t, db.SelectEvents(ctx, &model.Subscription{Filters: model.Filters{filter}}))
		require.Len(t, got, expected, "filter %+v", filter)

		count, err := db.CountEvents(ctx, &model.Subscription{Filters: model.Filters{filter}})
		require.NoError(t, err)
		require.EqualValues(t, expected, count)
	}
}

func BenchmarkAcceptEvent(b *testing.B) {
	ctx := context.Background()
	db := openDatabase(":memory:", true)
	defer db.Close()
	rng := rand.New(1)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev := helperNewEvent(nostr.KindTextNote, "bench-author", int64(rng.Uint32()), model.Tags{})
		if err := db.AcceptEvent(ctx, ev); err != nil {
			b.Fatal(err)
		}
	}
}
