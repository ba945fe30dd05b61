package voice

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics, so "Añade Lentejas" becomes "anade lentejas".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// tokens folds s and splits it on anything that is not a letter or digit
func tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Matches reports whether every word of fragment appears in name, ignoring case and accents
func Matches(name, fragment string) bool {
	want := tokens(fragment)
	if len(want) == 0 {
		return false
	}
	have := make(map[string]bool)
	for _, w := range tokens(name) {
		have[w] = true
		have[singular(w)] = true
	}
	for _, w := range want {
		if !have[w] && !have[singular(w)] {
			return false
		}
	}
	return true
}

func singular(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "es"):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s"):
		return w[:len(w)-1]
	}
	return w
}
