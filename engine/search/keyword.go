package search

import (
	"strings"

	"github.com/quarryhq/quarry-engine/pkg/fn"
)

// stopWords are excluded from keyword matching.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"through": true, "during": true, "before": true, "after": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "it": true,
	"its": true, "and": true, "but": true, "or": true, "not": true,
}

// ExtractKeywords pulls the significant terms from a query.
func ExtractKeywords(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	return fn.FilterMap(words, func(w string) (string, bool) {
		w = strings.Trim(w, "?.,!;:'\"")
		return w, len(w) > 2 && !stopWords[w]
	})
}

// KeywordScore is the fraction of keywords present in the text, in [0,1].
func KeywordScore(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := fn.Reduce(keywords, 0, func(acc int, k string) int {
		if strings.Contains(lower, k) {
			return acc + 1
		}
		return acc
	})
	return float64(matched) / float64(len(keywords))
}
