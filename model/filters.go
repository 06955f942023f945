// SPDX-License-Identifier: MIT

package model

import (
	"github.com/nbd-wtf/go-nostr"
)

// Match is the single matching predicate shared by historical queries and
// live fan-out. Query results and pushed events must never disagree.
func (eff Filters) Match(event *Event) bool {
	for i := range eff {
		if FilterMatches(&eff[i], event) {
			return true
		}
	}

	return false
}

func FilterMatches(f *Filter, event *Event) bool {
	return f.Matches(&event.Event)
}

func FromNostrFilters(filters nostr.Filters) Filters {
	if len(filters) == 0 {
		return nil
	}

	return Filters(filters)
}
