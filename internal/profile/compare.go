package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexjbarnes/decent-sync/internal/textnorm"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// preferenceKeys are synchronized through the favorite/select channel
// and must never count as drift; a favorite toggled on the machine
// would otherwise trigger a full profile rebuild.
var preferenceKeys = map[string]struct{}{
	"favorite": {},
	"selected": {},
}

// NormalizeForCompare canonicalizes a decoded JSON value for drift
// comparison. Strings get mojibake repair and dash/space folding (case
// preserved), objects lose the preference keys, numbers widen to
// float64. Array order is kept: phase order is semantically meaningful.
func NormalizeForCompare(v any) any {
	switch val := v.(type) {
	case string:
		return textnorm.CanonicalizeLabel(val)
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, elem := range val {
			if _, drop := preferenceKeys[k]; drop {
				continue
			}

			out[k] = NormalizeForCompare(elem)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = NormalizeForCompare(elem)
		}

		return out
	default:
		if f, ok := numberOf(v); ok {
			return f
		}

		return v
	}
}

// isSubsetMatch reports whether desired is contained in actual. For
// objects every desired key must match; extra keys in actual (device-
// computed fields) are ignored. Arrays must have the same length and
// match pairwise. Both inputs must already be normalized.
func isSubsetMatch(desired, actual any) bool {
	switch want := desired.(type) {
	case map[string]any:
		got, ok := actual.(map[string]any)
		if !ok {
			return false
		}

		for k, elem := range want {
			other, present := got[k]
			if !present || !isSubsetMatch(elem, other) {
				return false
			}
		}

		return true
	case []any:
		got, ok := actual.([]any)
		if !ok || len(got) != len(want) {
			return false
		}

		for i := range want {
			if !isSubsetMatch(want[i], got[i]) {
				return false
			}
		}

		return true
	default:
		return desired == actual
	}
}

// IsEquivalent reports whether the device's live copy still matches
// the workspace template. Subset semantics: the device may carry more
// state than the template without being flagged as drifted, because
// flagging device-computed fields would re-push the profile forever.
func IsEquivalent(desired, actual any) bool {
	return isSubsetMatch(NormalizeForCompare(desired), NormalizeForCompare(actual))
}

const (
	// driftDiffCleanupThreshold mirrors the merge diff threshold:
	// below this many diffs the cleanup passes add nothing.
	driftDiffCleanupThreshold = 2

	// driftSummaryMaxFragments caps how many changed fragments a drift
	// summary quotes before truncating.
	driftSummaryMaxFragments = 3

	// driftFragmentMaxLen truncates individual quoted fragments.
	driftFragmentMaxLen = 48
)

// DriftSummary renders a compact single-line description of how actual
// diverged from desired, for log lines. Best effort only; comparison
// outcomes never depend on it.
func DriftSummary(desired, actual any) string {
	want, err := json.Marshal(NormalizeForCompare(desired))
	if err != nil {
		return "drift (template not renderable)"
	}

	got, err := json.Marshal(NormalizeForCompare(actual))
	if err != nil {
		return "drift (device copy not renderable)"
	}

	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(want), string(got), false)
	if len(diffs) > driftDiffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var (
		fragments []string
		inserts   int
		deletes   int
	)

	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}

		if d.Type == diffmatchpatch.DiffInsert {
			inserts++
		} else {
			deletes++
		}

		if len(fragments) < driftSummaryMaxFragments {
			text := d.Text
			if len(text) > driftFragmentMaxLen {
				text = text[:driftFragmentMaxLen] + "…"
			}

			sign := "+"
			if d.Type == diffmatchpatch.DiffDelete {
				sign = "-"
			}

			fragments = append(fragments, sign+strings.TrimSpace(text))
		}
	}

	if inserts == 0 && deletes == 0 {
		return "no drift"
	}

	return fmt.Sprintf("%d insertions, %d deletions: %s", inserts, deletes, strings.Join(fragments, " "))
}
