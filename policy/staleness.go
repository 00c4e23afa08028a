// Package policy holds the staleness decision: a pure mapping from stored
// entry metadata and the current time to a freshness class. It performs no
// I/O and is safe for any number of concurrent readers.
package policy

import (
	"time"

	"github.com/regenlab/regencache/types"
)

// Classify decides how an entry may be served at instant now.
//
//   - Missing: no entry exists; the caller must block on a synchronous render.
//   - Expired: the payload must not be served (invalidated, or a zero
//     revalidate window, i.e. no-store semantics).
//   - Fresh: serve as-is, no regeneration.
//   - Stale: serve once more, trigger a background regeneration.
//
// The freshness boundary is inclusive-stale: at exactly
// generatedAt+revalidate the entry is already Stale.
func Classify(entry *types.Entry, now time.Time) types.Freshness {
	if entry == nil {
		return types.FreshnessMissing
	}

	if entry.State == types.StateInvalidated {
		return types.FreshnessExpired
	}

	if entry.Revalidate == types.RevalidateNever {
		return types.FreshnessFresh
	}

	if entry.Revalidate == 0 {
		return types.FreshnessExpired
	}

	if now.Before(entry.GeneratedAt.Add(entry.Revalidate)) {
		return types.FreshnessFresh
	}

	return types.FreshnessStale
}
