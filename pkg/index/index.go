// Package index provides keyword-based retrieval over memory records.
// KeywordIndex keeps sparse term-frequency vectors in memory and ranks
// candidates by cosine similarity, so lookups stay fast without an external
// search engine. Indexing is best-effort by design: a failed index update
// never fails the write that triggered it.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Doc is one indexable record: free text plus exact-match tags.
type Doc struct {
	ID   string
	Text string
	Tags []string
}

// Hit is a ranked retrieval result.
type Hit struct {
	ID    string
	Score float64
}

// Index is the retrieval surface used by the memory stores.
type Index interface {
	Add(doc Doc) error
	Remove(id string)
	// Search ranks indexed documents against the query, highest score
	// first. Ties break on ascending ID so results are deterministic.
	Search(query string, limit int) []Hit
	Len() int
}

// KeywordIndex implements Index with term-frequency cosine similarity. Tags
// are folded into the term vector with extra weight so tag matches dominate
// prose matches.
type KeywordIndex struct {
	mu   sync.RWMutex
	docs map[string]docVector
}

type docVector struct {
	terms map[string]float64
	norm  float64
}

// tagWeight boosts tag terms over body terms.
const tagWeight = 2.0

// NewKeywordIndex creates an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{docs: make(map[string]docVector)}
}

// Add indexes or re-indexes a document. Adding the same ID replaces the
// previous vector.
func (x *KeywordIndex) Add(doc Doc) error {
	terms := termFrequencies(doc.Text)
	for _, tag := range doc.Tags {
		for _, tok := range Tokenize(tag) {
			terms[tok] += tagWeight
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[doc.ID] = docVector{terms: terms, norm: vectorNorm(terms)}
	return nil
}

// Remove drops a document. Unknown IDs are a no-op.
func (x *KeywordIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, id)
}

// Search ranks documents by cosine similarity to the query. Documents with
// zero overlap are omitted.
func (x *KeywordIndex) Search(query string, limit int) []Hit {
	qTerms := termFrequencies(query)
	qNorm := vectorNorm(qTerms)
	if qNorm == 0 {
		return nil
	}

	x.mu.RLock()
	hits := make([]Hit, 0, len(x.docs))
	for id, vec := range x.docs {
		if vec.norm == 0 {
			continue
		}
		var dot float64
		for term, qw := range qTerms {
			if dw, ok := vec.terms[term]; ok {
				dot += qw * dw
			}
		}
		if dot > 0 {
			hits = append(hits, Hit{ID: id, Score: dot / (qNorm * vec.norm)})
		}
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Len returns the number of indexed documents.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Tokenize lowercases the input and splits on any non-alphanumeric rune,
// dropping single-character tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func termFrequencies(text string) map[string]float64 {
	terms := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		terms[tok]++
	}
	return terms
}

func vectorNorm(terms map[string]float64) float64 {
	var sum float64
	for _, w := range terms {
		sum += w * w
	}
	return math.Sqrt(sum)
}
