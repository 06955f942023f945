// SPDX-License-Identifier: MIT

package model

import (
	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip42"
)

var ErrAuthFailed = errors.New("auth failed")

// ValidateAuthEvent checks a NIP-42 challenge response: kind 22242, matching
// challenge and relay tags, fresh created_at and a valid signature. The
// signature check is never waived here, whatever verifyEvents says, since an
// AUTH event is the thing establishing who the sender is.
func ValidateAuthEvent(event *Event, challenge, relayURL string) (pubKey string, err error) {
	if err = event.Validate(); err != nil {
		return "", errors.Wrap(err, "auth event failed validation")
	}
	pubKey, ok := nip42.ValidateAuthEvent(&event.Event, challenge, relayURL)
	if !ok {
		return "", errors.Wrapf(ErrAuthFailed, "challenge or relay mismatch for event %v", event.ID)
	}

	return pubKey, nil
}
