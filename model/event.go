// SPDX-License-Identifier: MIT

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type Event struct {
	nostr.Event
}

// ValidateStructure recomputes the event id from the canonical serialization
// and checks the kind range, leaving the signature alone. Used when the
// relay is configured to trust listed authors.
func (e *Event) ValidateStructure() error {
	if e.Kind < 0 || e.Kind > 65_535 {
		return errors.Wrapf(ErrMalformedEvent, "kind %v is out of range", e.Kind)
	}
	hash := sha256.Sum256(e.Serialize())
	if id := hex.EncodeToString(hash[:]); id != e.ID {
		return errors.Wrapf(ErrInvalidID, "claimed %q, computed %q", e.ID, id)
	}

	return nil
}

// Validate additionally verifies the schnorr signature against the claimed
// author key. An event failing any check is never stored.
func (e *Event) Validate() error {
	if err := e.ValidateStructure(); err != nil {
		return err
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if !ok {
		return ErrInvalidSignature
	}

	return nil
}

func (e *Event) CheckSignature() (bool, error) {
	ok, err := e.Event.CheckSignature()

	return ok, errors.Wrap(err, "failed to check schnorr signature")
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// DTag returns the d tag value used for addressable replacement, empty when
// the event carries none.
func (e *Event) DTag() string {
	if tag := e.GetTag("d"); tag != nil {
		return tag.Value()
	}

	return ""
}
