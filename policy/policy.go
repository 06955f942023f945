// SPDX-License-Identifier: MIT

// Package policy decides whether a filter is allowed to run at all.
// Classification is purely structural; authorization combines it with the
// configuration snapshot the caller started with.
package policy

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/descant-relay/descant/cfg"
	"github.com/descant-relay/descant/model"
)

type FilterClass uint8

const (
	FilterClassIndexed FilterClass = iota
	FilterClassScrape
)

var ErrScrapeRejected = errors.New("scrape: filter needs ids, authors or tags, a small limit, or a narrow time range")

// Classify reports whether a filter is bounded by an index. A filter with no
// ids, no authors and no tag constraints can only be answered by scanning
// the whole event set, whatever its other fields say.
func Classify(filter *model.Filter) FilterClass {
	if len(filter.IDs) == 0 && len(filter.Authors) == 0 && len(filter.Tags) == 0 {
		return FilterClassScrape
	}

	return FilterClassIndexed
}

// Authorize applies the scrape policy to every filter of a request.
// A scrape passes when scraping is globally enabled, when its limit is at or
// below the configured threshold, when its time range spans at most the
// configured number of seconds, or when it arrives on the sync path while
// the sync exemption is on. The exempting limit or time range also bounds
// the actual scan work, so the exemption cannot hide a full scan.
func Authorize(filters model.Filters, snapshot *cfg.Config, fromSync bool) error {
	for i := range filters {
		if err := authorizeFilter(&filters[i], snapshot, fromSync); err != nil {
			return errors.Wrapf(err, "filter %d", i)
		}
	}

	return nil
}

func authorizeFilter(filter *model.Filter, snapshot *cfg.Config, fromSync bool) error {
	if Classify(filter) == FilterClassIndexed {
		return nil
	}
	if snapshot.AllowScraping {
		return nil
	}
	if fromSync && snapshot.SyncExemptFromScrapePolicy {
		return nil
	}
	if filter.Limit > 0 && filter.Limit <= snapshot.AllowScrapeIfLimitedTo {
		return nil
	}
	if span, bounded := timeSpan(filter); bounded && span <= time.Duration(snapshot.AllowScrapeIfRecentSeconds)*time.Second {
		return nil
	}

	return ErrScrapeRejected
}

func timeSpan(filter *model.Filter) (span time.Duration, bounded bool) {
	if filter.Since == nil {
		return 0, false
	}
	until := model.Timestamp(time.Now().Unix())
	if filter.Until != nil && *filter.Until < until {
		until = *filter.Until
	}
	if *filter.Since > until {
		return 0, true
	}

	return time.Duration(int64(until)-int64(*filter.Since)) * time.Second, true
}
