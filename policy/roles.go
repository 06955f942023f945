// SPDX-License-Identifier: MIT

package policy

import (
	"github.com/cockroachdb/errors"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/model"
)

type Role uint8

const (
	RoleNone Role = iota
	RoleUser
	RoleModerator
	RoleAdmin
)

func RoleOf(pubKey string, snapshot *cfg.Config) Role {
	for _, key := range snapshot.AdminPubKeys {
		if key == pubKey {
			return RoleAdmin
		}
	}
	for _, key := range snapshot.ModeratorPubKeys {
		if key == pubKey {
			return RoleModerator
		}
	}
	for _, key := range snapshot.UserPubKeys {
		if key == pubKey {
			return RoleUser
		}
	}

	return RoleNone
}

// AuthorizeEvent gates event submission on a closed relay: unless the relay
// is open, either the event author or the connection's authenticated key
// must hold a role. VerifyEvents only waives the signature check for
// senders who pass this gate, never the gate itself.
func AuthorizeEvent(event *model.Event, authedPubKey string, snapshot *cfg.Config) error {
	if snapshot.OpenRelay {
		return nil
	}
	if RoleOf(event.PubKey, snapshot) != RoleNone {
		return nil
	}
	if authedPubKey != "" && RoleOf(authedPubKey, snapshot) != RoleNone {
		return nil
	}

	return errors.Wrapf(model.ErrUnauthorized, "pubkey %v", event.PubKey)
}

// SignatureCheckRequired reports whether the relay may skip verifying the
// event signature. Skipping is allowed only when verifyEvents is off and the
// author is a configured (already trusted) key.
func SignatureCheckRequired(event *model.Event, snapshot *cfg.Config) bool {
	if snapshot.VerifyEvents {
		return true
	}

	return RoleOf(event.PubKey, snapshot) == RoleNone
}
