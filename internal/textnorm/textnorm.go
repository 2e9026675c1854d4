// Package textnorm repairs encoding damage and canonicalizes profile
// names so that device labels and workspace titles compare equal even
// when one side has been through a lossy encoding round-trip.
package textnorm

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// mojibakeSignatures are runes that appear when UTF-8 multi-byte
// sequences are misread as Windows-1252. 0xC3 and 0xC2 are the lead
// bytes of two-byte sequences (Latin letters, NBSP, degree sign);
// 0xE2 leads the three-byte punctuation block (curly quotes, dashes).
var mojibakeSignatures = []rune{'Ã', 'Â', 'â'}

// punctuationTails are the Windows-1252 renderings of the bytes that
// follow 0xE2 in the general punctuation block. Seeing 'â' followed by
// one of these is a strong mojibake signal; a bare 'â' is a legitimate
// letter in several languages and must not trigger a repair attempt.
const punctuationTails = "€‚ƒ„…†‡ˆ‰Š‹Œ‘’“”•–—˜™"

// repairPasses bounds the fixed-point iteration in Repair. Text that
// went through the misread twice needs two passes; three covers any
// corruption depth seen in practice without risking a pathological loop.
const repairPasses = 3

// Repair detects UTF-8 text that was decoded as Windows-1252 and undoes
// the damage, peeling repeated misreads until the text stops changing.
// Each pass is accepted only when re-interpreting the bytes yields
// valid UTF-8 with no replacement characters; otherwise the input is
// returned unchanged. Clean text always passes through untouched, so
// Repair never degrades data.
func Repair(s string) string {
	for range repairPasses {
		repaired := repairOnce(s)
		if repaired == s {
			return s
		}

		s = repaired
	}

	return s
}

func repairOnce(s string) string {
	if !looksMojibake(s) {
		return s
	}

	raw, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil {
		// Some rune has no Windows-1252 byte, so the text cannot have
		// come from a Windows-1252 misread. Leave it alone.
		return s
	}

	if !utf8.ValidString(raw) || strings.ContainsRune(raw, utf8.RuneError) {
		return s
	}

	return raw
}

// looksMojibake reports whether s carries the byte-pattern fingerprint
// of UTF-8 misread as Windows-1252.
func looksMojibake(s string) bool {
	runes := []rune(s)
	for i, r := range runes {
		switch r {
		case 'Ã', 'Â':
			return true
		case 'â':
			if i+1 < len(runes) && strings.ContainsRune(punctuationTails, runes[i+1]) {
				return true
			}
		}
	}

	return false
}

// dashVariants are the Unicode dashes folded to a plain hyphen so that
// "Londinium – 9 bar" and "Londinium - 9 bar" name the same profile.
const dashVariants = "‐‑‒–—―−"

// nbspVariants are the non-breaking space flavors folded to a plain space.
const nbspVariants = "   "

// CanonicalizeLabel repairs encoding damage and canonicalizes dashes
// and spaces while preserving case. Used by the drift comparator, where
// case is significant for display but encoding noise is not.
func CanonicalizeLabel(s string) string {
	s = norm.NFC.String(Repair(s))

	s = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(dashVariants, r):
			return '-'
		case strings.ContainsRune(nbspVariants, r):
			return ' '
		}

		return r
	}, s)

	// Collapse internal whitespace runs and trim.
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName produces the canonical lookup key for a profile name:
// CanonicalizeLabel plus lowercasing. Idempotent, so keys can be
// re-normalized without drifting.
func NormalizeName(s string) string {
	return strings.ToLower(CanonicalizeLabel(s))
}
