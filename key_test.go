package statsdaemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKey(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"foo.bar.baz":       "foo.bar.baz",
		"fooBar_baz-1":      "fooBar_baz-1",
		"smp gge":           "smp_gge",
		"smp   \t gge":      "smp_gge",
		" lead":             "_lead",
		"smp/gge":           "smp-gge",
		"a/b c":             "a-b_c",
		"smp,gge$":          "smpgge",
		"ünïcode":           "ncode",
		"no\u00a0break":     "no_break",
		"%%%":               "",
		"":                  "",
		"a:b|c@d#e":         "abcde",
		"tab\tand\nnewline": "tab_and_newline",
	}
	for input, expected := range tests {
		input := input
		expected := expected
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, expected, SanitizeKey(input))
		})
	}
}

func TestSanitizeKeyIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"foo bar/baz",
		"  many   spaces  ",
		"x//y",
		"ünï côdé/\t✓",
		"already.clean-key_1",
		"",
	}
	for _, input := range inputs {
		once := SanitizeKey(input)
		assert.Equal(t, once, SanitizeKey(once), input)
	}
}
