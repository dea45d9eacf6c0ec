// Package classify selects a specialist label from free-text task
// descriptions. It is a pure function over a fixed label table so it can be
// tested in isolation from the orchestrator.
package classify

import (
	"sort"
	"strings"
	"unicode"
)

// Ambiguous is returned when no label wins outright; the caller must ask for
// an explicit specialist instead of guessing.
const Ambiguous = "ambiguous"

// Classify matches task text against the keyword table and returns the
// winning label. The most specific match wins: more distinct keyword hits
// beat fewer, and on equal hits the label holding the longest matched
// keyword wins. Unresolved ties and zero hits return Ambiguous.
func Classify(text string, table map[string][]string) string {
	if len(table) == 0 {
		return Ambiguous
	}
	words := tokenize(text)
	if len(words) == 0 {
		return Ambiguous
	}

	type score struct {
		label   string
		hits    int
		longest int
	}
	var scores []score
	for label, keywords := range table {
		s := score{label: label}
		for _, kw := range keywords {
			kw = strings.ToLower(kw)
			if words[kw] {
				s.hits++
				if len(kw) > s.longest {
					s.longest = len(kw)
				}
			}
		}
		if s.hits > 0 {
			scores = append(scores, s)
		}
	}
	if len(scores) == 0 {
		return Ambiguous
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].hits != scores[j].hits {
			return scores[i].hits > scores[j].hits
		}
		if scores[i].longest != scores[j].longest {
			return scores[i].longest > scores[j].longest
		}
		return scores[i].label < scores[j].label
	})
	if len(scores) > 1 && scores[0].hits == scores[1].hits && scores[0].longest == scores[1].longest {
		return Ambiguous
	}
	return scores[0].label
}

func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}
