// SPDX-License-Identifier: MIT

package model

import (
	"github.com/nbd-wtf/go-nostr"
)

// KindClass is the closed classification of event kinds that drives the
// store's persistence and replacement rules. Derived deterministically from
// the kind number per NIP-01.
type KindClass uint8

const (
	KindClassRegular KindClass = iota
	KindClassReplaceable
	KindClassEphemeral
	KindClassAddressable
)

func ClassifyKind(kind Kind) KindClass {
	switch {
	case kind == 0 || kind == 3 || (10_000 <= kind && kind < 20_000):
		return KindClassReplaceable
	case 20_000 <= kind && kind < 30_000:
		return KindClassEphemeral
	case 30_000 <= kind && kind < 40_000:
		return KindClassAddressable
	default:
		return KindClassRegular
	}
}

func (c KindClass) String() string {
	switch c {
	case KindClassReplaceable:
		return "replaceable"
	case KindClassEphemeral:
		return "ephemeral"
	case KindClassAddressable:
		return "addressable"
	default:
		return "regular"
	}
}

func (e *Event) KindClass() KindClass {
	return ClassifyKind(e.Kind)
}

func (e *Event) IsEphemeral() bool {
	return e.KindClass() == KindClassEphemeral
}

// IsReplaceable reports whether a newer event from the same author
// (optionally the same d tag) supersedes this one.
func (e *Event) IsReplaceable() bool {
	class := e.KindClass()

	return class == KindClassReplaceable || class == KindClassAddressable
}

func (e *Event) IsDeletion() bool {
	return e.Kind == nostr.KindDeletion
}
