package aggregation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// petPhrase builds the sentence-start phrase, the mid-sentence phrase and the
// verb for a list of pet names.
func petPhrase(names []string) (capitalized, plain, verb string) {
	switch {
	case len(names) == 0:
		return "", "", "are"
	case len(names) == 1:
		return names[0], names[0], "is"
	case len(names) <= 3:
		joined := strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
		return joined, joined, "are"
	default:
		return "Your pets", "your pets", "are"
	}
}

// titleName upper-cases the first letter of every word. An apostrophe starts
// a new word, so "o'malley" becomes "O'Malley".
func titleName(name string) string {
	caser := cases.Title(language.English)
	segs := strings.Split(name, "'")
	for i, seg := range segs {
		segs[i] = caser.String(seg)
	}
	return strings.Join(segs, "'")
}
