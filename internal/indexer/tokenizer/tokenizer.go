// Package tokenizer turns document text into the term and frequency lists a
// build context indexes. Text is lower-cased, split on anything that is not
// a letter or digit, stripped of stop words and reduced by a small suffix
// stemmer.
package tokenizer

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "can": {}, "do": {}, "each": {},
	"for": {}, "from": {}, "had": {}, "has": {}, "have": {}, "he": {},
	"if": {}, "in": {}, "is": {}, "it": {}, "its": {}, "no": {},
	"not": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {},
	"the": {}, "their": {}, "they": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"will": {}, "with": {},
}

type suffixRule struct {
	suffix      string
	replacement string
	minLen      int
}

// Rules are tried in order; the first whose result is long enough wins.
var suffixRules = []suffixRule{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Terms returns the normalized terms of text in document order, repeats
// included.
func Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if _, ok := stopWords[word]; ok {
			continue
		}
		if term := stem(word); term != "" {
			out = append(out, term)
		}
	}
	return out
}

// Analyze returns the distinct terms of text in sorted order with their
// frequencies, and the document length in terms.
func Analyze(text string) (terms []string, freqs []int, length int) {
	all := Terms(text)
	counts := make(map[string]int, len(all))
	for _, term := range all {
		counts[term]++
	}
	terms = make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	freqs = make([]int, len(terms))
	for i, term := range terms {
		freqs[i] = counts[term]
	}
	return terms, freqs, len(all)
}

func stem(word string) string {
	for _, rule := range suffixRules {
		if !strings.HasSuffix(word, rule.suffix) {
			continue
		}
		if stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement; len(stemmed) >= rule.minLen {
			return stemmed
		}
	}
	return word
}
