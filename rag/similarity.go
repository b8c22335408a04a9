package rag

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords excluded from similarity scoring; they carry no signal and
// inflate overlap between unrelated artifacts.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "this": true, "that": true,
}

// tokenize lowercases and splits text into significant terms.
func tokenize(text string) map[string]bool {
	terms := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms[f] = true
	}
	return terms
}

// similarity is the Jaccard index between the term sets of two texts.
func similarity(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := tokenize(text)
	if len(docTerms) == 0 {
		return 0
	}
	common := 0
	for t := range queryTerms {
		if docTerms[t] {
			common++
		}
	}
	union := len(queryTerms) + len(docTerms) - common
	return float64(common) / float64(union)
}

// rank scores artifacts against the query and returns the topK hits with a
// positive score, ordered best first.
func rank(query string, artifacts []*Artifact, topK int) []Hit {
	queryTerms := tokenize(query)
	hits := make([]Hit, 0, len(artifacts))
	for _, a := range artifacts {
		score := similarity(queryTerms, a.Content)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Content: a.Content, Metadata: a.Metadata, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
