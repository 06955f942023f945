// SPDX-License-Identifier: MIT

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter  = nostr.Filter
	Filters nostr.Filters

	Subscription struct {
		Filters Filters
	}

	EventReference interface {
		Filter() Filter
	}
	AddressableEventReference struct {
		PubKey string
		DTag   string
		Kind   int
	}
	PlainEventReference struct {
		EventIDs []string
	}
)

var (
	ErrDuplicate        = errors.New("duplicate event")
	ErrTombstoned       = errors.New("event was deleted, resubmission is not allowed")
	ErrInvalidID        = errors.New("event id does not match serialization")
	ErrInvalidSignature = errors.New("invalid event signature")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnauthorized     = errors.New("restricted: sender is not authorized")
)
