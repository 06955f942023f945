// SPDX-License-Identifier: MIT

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/model"
)

func helperTimestamp(v int64) *model.Timestamp {
	ts := model.Timestamp(v)

	return &ts
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		filter model.Filter
		want   FilterClass
	}{
		{"empty", model.Filter{}, FilterClassScrape},
		{"only kinds", model.Filter{Kinds: []int{1}}, FilterClassScrape},
		{"only limit", model.Filter{Limit: 10}, FilterClassScrape},
		{"only time range", model.Filter{Since: helperTimestamp(1), Until: helperTimestamp(2)}, FilterClassScrape},
		{"ids", model.Filter{IDs: []string{"a"}}, FilterClassIndexed},
		{"authors", model.Filter{Authors: []string{"a"}}, FilterClassIndexed},
		{"tags", model.Filter{Tags: model.TagMap{"e": {"a"}}}, FilterClassIndexed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Classify(&c.filter))
		})
	}
}

func TestAuthorizeScrapePolicy(t *testing.T) {
	t.Parallel()

	snapshot := &cfg.Config{
		AllowScraping:              false,
		AllowScrapeIfLimitedTo:     100,
		AllowScrapeIfRecentSeconds: 3_600,
	}

	t.Run("indexed filter always passes", func(t *testing.T) {
		require.NoError(t, Authorize(model.Filters{{Authors: []string{"a"}}}, snapshot, false))
	})
	t.Run("scrape with small limit passes", func(t *testing.T) {
		require.NoError(t, Authorize(model.Filters{{Kinds: []int{1}, Limit: 50}}, snapshot, false))
	})
	t.Run("scrape with limit at threshold passes", func(t *testing.T) {
		require.NoError(t, Authorize(model.Filters{{Limit: 100}}, snapshot, false))
	})
	t.Run("scrape with big limit is rejected", func(t *testing.T) {
		require.ErrorIs(t, Authorize(model.Filters{{Limit: 500}}, snapshot, false), ErrScrapeRejected)
	})
	t.Run("scrape with narrow time range passes", func(t *testing.T) {
		since := model.Timestamp(time.Now().Unix() - 600)
		require.NoError(t, Authorize(model.Filters{{Since: &since}}, snapshot, false))
	})
	t.Run("scrape with wide time range is rejected", func(t *testing.T) {
		since := model.Timestamp(time.Now().Add(-48 * time.Hour).Unix())
		require.ErrorIs(t, Authorize(model.Filters{{Since: &since}}, snapshot, false), ErrScrapeRejected)
	})
	t.Run("bare scrape is rejected", func(t *testing.T) {
		require.ErrorIs(t, Authorize(model.Filters{{}}, snapshot, false), ErrScrapeRejected)
	})
	t.Run("one bad filter rejects the whole request", func(t *testing.T) {
		require.ErrorIs(t, Authorize(model.Filters{{Authors: []string{"a"}}, {}}, snapshot, false), ErrScrapeRejected)
	})
	t.Run("global scraping toggle", func(t *testing.T) {
		open := &cfg.Config{AllowScraping: true}
		require.NoError(t, Authorize(model.Filters{{}}, open, false))
	})
	t.Run("sync exemption", func(t *testing.T) {
		exempt := &cfg.Config{SyncExemptFromScrapePolicy: true}
		require.NoError(t, Authorize(model.Filters{{}}, exempt, true))
		require.ErrorIs(t, Authorize(model.Filters{{}}, exempt, false), ErrScrapeRejected)
	})
}

func TestRoles(t *testing.T) {
	t.Parallel()

	snapshot := &cfg.Config{
		AdminPubKeys:     []string{"admin"},
		ModeratorPubKeys: []string{"mod"},
		UserPubKeys:      []string{"user"},
	}
	require.Equal(t, RoleAdmin, RoleOf("admin", snapshot))
	require.Equal(t, RoleModerator, RoleOf("mod", snapshot))
	require.Equal(t, RoleUser, RoleOf("user", snapshot))
	require.Equal(t, RoleNone, RoleOf("stranger", snapshot))
}

func TestAuthorizeEvent(t *testing.T) {
	t.Parallel()

	closed := &cfg.Config{OpenRelay: false, UserPubKeys: []string{"user"}}
	open := &cfg.Config{OpenRelay: true}

	userEvent := &model.Event{}
	userEvent.PubKey = "user"
	strangerEvent := &model.Event{}
	strangerEvent.PubKey = "stranger"

	require.NoError(t, AuthorizeEvent(userEvent, "", closed))
	require.ErrorIs(t, AuthorizeEvent(strangerEvent, "", closed), model.ErrUnauthorized)
	// A stranger's event is accepted when the connection authenticated as an authorized key.
	require.NoError(t, AuthorizeEvent(strangerEvent, "user", closed))
	require.NoError(t, AuthorizeEvent(strangerEvent, "", open))
}

func TestSignatureCheckRequired(t *testing.T) {
	t.Parallel()

	ev := &model.Event{}
	ev.PubKey = "user"
	stranger := &model.Event{}
	stranger.PubKey = "stranger"

	verifying := &cfg.Config{VerifyEvents: true, UserPubKeys: []string{"user"}}
	trusting := &cfg.Config{VerifyEvents: false, UserPubKeys: []string{"user"}}

	require.True(t, SignatureCheckRequired(ev, verifying))
	require.False(t, SignatureCheckRequired(ev, trusting))
	// Unknown senders are always verified.
	require.True(t, SignatureCheckRequired(stranger, trusting))
}
