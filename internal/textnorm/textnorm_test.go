package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "two-byte letter misread",
			in:   "PiÃ±a Colada",
			want: "Piña Colada",
		},
		{
			name: "degree sign misread",
			in:   "92Â° lever",
			want: "92° lever",
		},
		{
			name: "curly apostrophe misread",
			in:   "Raoâ€™s allongÃ©",
			want: "Rao’s allongé",
		},
		{
			name: "em dash misread",
			in:   "blooming â€” slow",
			want: "blooming — slow",
		},
		{
			name: "double misread peeled to clean text",
			in:   "Ã¢â‚¬Â¦",
			want: "…",
		},
		{
			name: "doubly misread apostrophe",
			in:   "RaoÃ¢â‚¬â„¢s",
			want: "Rao’s",
		},
		{
			name: "clean ascii untouched",
			in:   "Default espresso",
			want: "Default espresso",
		},
		{
			name: "clean accents untouched",
			in:   "café crème",
			want: "café crème",
		},
		{
			name: "lone signature rune is not repairable",
			in:   "Ã",
			want: "Ã",
		},
		{
			name: "bare a-circumflex letter left alone",
			in:   "pâtisserie shot",
			want: "pâtisserie shot",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Repair(tt.in))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases and trims",
			in:   "  Best Overall Pressure  ",
			want: "best overall pressure",
		},
		{
			name: "collapses internal whitespace",
			in:   "slow\t\tramp   profile",
			want: "slow ramp profile",
		},
		{
			name: "en dash folded to hyphen",
			in:   "Londinium – 9 bar",
			want: "londinium - 9 bar",
		},
		{
			name: "em dash folded to hyphen",
			in:   "turbo—bloom",
			want: "turbo-bloom",
		},
		{
			name: "non-breaking space folded",
			in:   "flat 9 bar",
			want: "flat 9 bar",
		},
		{
			name: "mojibake repaired before matching",
			in:   "PiÃ±a Colada",
			want: "piña colada",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestNormalizeNameIdempotent(t *testing.T) {
	inputs := []string{
		"  Best Overall Pressure  ",
		"Londinium – 9 bar",
		"PiÃ±a Colada",
		"flat 9 bar",
		"92Â° lever",
		"Ã¢â‚¬Â¦",
		"RaoÃ¢â‚¬â„¢s allongÃ©",
		"plain",
		"",
	}

	for _, in := range inputs {
		once := NormalizeName(in)
		assert.Equal(t, once, NormalizeName(once), "input %q", in)
	}
}

func TestCanonicalizeLabelPreservesCase(t *testing.T) {
	assert.Equal(t, "Best Overall Pressure", CanonicalizeLabel("Best  Overall Pressure"))
	assert.Equal(t, "Londinium - 9 bar", CanonicalizeLabel("Londinium – 9 bar"))
}
