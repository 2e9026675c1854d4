package reconcile

import (
	"sort"

	"github.com/alexjbarnes/decent-sync/internal/textnorm"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

// FindConflicts groups managed records by device identity and returns
// every identity held by more than one page, mapped to the sorted page
// identities holding it. A conflicted identity suspends all device
// operations for its holders until a human de-duplicates the
// workspace; the engine never guesses which record is authoritative.
func FindConflicts(records []*workspace.Record) map[string][]string {
	holders := make(map[string][]string)

	for _, rec := range records {
		if !rec.Status.Managed() || rec.DeviceID == "" {
			continue
		}

		holders[rec.DeviceID] = append(holders[rec.DeviceID], rec.PageID)
	}

	conflicts := make(map[string][]string)

	for id, pages := range holders {
		if len(pages) > 1 {
			sort.Strings(pages)
			conflicts[id] = pages
		}
	}

	return conflicts
}

// normalizeUtilityName is the canonical form used for utility-label
// matching.
func normalizeUtilityName(s string) string {
	return textnorm.NormalizeName(s)
}
