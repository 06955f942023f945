// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func signedTestEvent(t *testing.T, kind int, content string, tags Tags) *Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := &Event{Event: nostr.Event{
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}}
	require.NoError(t, ev.Event.Sign(sk))

	return ev
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid signed event", func(t *testing.T) {
		ev := signedTestEvent(t, nostr.KindTextNote, "hello", Tags{})
		require.NoError(t, ev.Validate())
	})
	t.Run("tampered id", func(t *testing.T) {
		ev := signedTestEvent(t, nostr.KindTextNote, "hello", Tags{})
		ev.ID = "deadbeef" + ev.ID[8:]
		require.ErrorIs(t, ev.Validate(), ErrInvalidID)
	})
	t.Run("tampered content", func(t *testing.T) {
		ev := signedTestEvent(t, nostr.KindTextNote, "hello", Tags{})
		ev.Content = "tampered"
		require.Error(t, ev.Validate())
	})
	t.Run("kind out of range", func(t *testing.T) {
		ev := signedTestEvent(t, nostr.KindTextNote, "hello", Tags{})
		ev.Kind = 100_000
		require.ErrorIs(t, ev.Validate(), ErrMalformedEvent)
	})
}

func TestKindClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want KindClass
	}{
		{nostr.KindTextNote, KindClassRegular},
		{nostr.KindDeletion, KindClassRegular},
		{0, KindClassReplaceable},
		{3, KindClassReplaceable},
		{10_002, KindClassReplaceable},
		{19_999, KindClassReplaceable},
		{20_000, KindClassEphemeral},
		{22_242, KindClassEphemeral},
		{29_999, KindClassEphemeral},
		{30_000, KindClassAddressable},
		{39_999, KindClassAddressable},
		{40_000, KindClassRegular},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ClassifyKind(c.kind), "kind %d", c.kind)
	}
}
