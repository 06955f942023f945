// SPDX-License-Identifier: MIT

package model

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseEventReference extracts the events a deletion (NIP-09) points at:
// plain ids from e tags and kind:pubkey:dtag coordinates from a tags.
func ParseEventReference(tags Tags) ([]EventReference, error) {
	plainEvents := make([]string, 0, len(tags))
	refs := []EventReference{}
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "e" {
			plainEvents = append(plainEvents, tag.Value())
		} else if len(tag) >= 2 && tag[0] == "a" {
			val := strings.Split(tag.Value(), ":")
			if len(val) != 3 {
				return nil, errors.Wrapf(ErrMalformedEvent, "failed to parse addressable event reference: %v", tag.Value())
			}
			kind, err := strconv.ParseInt(val[0], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse addressable event reference kind: %v", val)
			}
			refs = append(refs, &AddressableEventReference{
				Kind:   int(kind),
				PubKey: val[1],
				DTag:   val[2],
			})
		}
	}
	if len(plainEvents) > 0 {
		refs = append(refs, &PlainEventReference{EventIDs: plainEvents})
	}

	return refs, nil
}

func (e *PlainEventReference) Filter() Filter {
	return Filter{
		IDs: e.EventIDs,
	}
}

func (e *AddressableEventReference) Filter() Filter {
	f := Filter{
		Kinds:   []int{e.Kind},
		Authors: []string{e.PubKey},
	}
	if e.DTag != "" {
		f.Tags = TagMap{"d": {e.DTag}}
	}

	return f
}
