package orchestrator

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Hit is one chunk returned by a relevance search.
type Hit struct {
	Index int     `json:"index"`
	Chunk string  `json:"chunk"`
	Score float64 `json:"score"`
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true,
	"with": true,
}

func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 && !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// RankChunks scores chunks against query by term frequency weighted by
// inverse document frequency, normalised by chunk length. It returns at
// most topK hits with a positive score, best first. When nothing matches
// it returns the first topK chunks with a zero score.
func RankChunks(query string, chunks []string, topK int) []Hit {
	if topK <= 0 || len(chunks) == 0 {
		return nil
	}

	qterms := terms(query)
	docs := make([]map[string]int, len(chunks))
	lengths := make([]int, len(chunks))
	df := make(map[string]int)
	for i, c := range chunks {
		tf := make(map[string]int)
		for _, t := range terms(c) {
			tf[t]++
			lengths[i]++
		}
		for t := range tf {
			df[t]++
		}
		docs[i] = tf
	}

	n := float64(len(chunks))
	var hits []Hit
	for i, tf := range docs {
		var score float64
		for _, q := range qterms {
			if f := tf[q]; f > 0 {
				idf := math.Log(1 + n/float64(df[q]))
				score += float64(f) * idf
			}
		}
		if score > 0 {
			score /= math.Sqrt(float64(lengths[i]))
			hits = append(hits, Hit{Index: i, Chunk: chunks[i], Score: score})
		}
	}

	if len(hits) == 0 {
		for i := 0; i < len(chunks) && i < topK; i++ {
			hits = append(hits, Hit{Index: i, Chunk: chunks[i]})
		}
		return hits
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Index < hits[b].Index
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
