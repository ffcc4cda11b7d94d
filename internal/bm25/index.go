// Package bm25 implements the per-KB sparse lexical index: Okapi BM25
// scoring over language-aware tokens, with binary persistence and an index
// manager that keeps one index per knowledge base.
package bm25

import (
	"math"
	"sort"
)

// Okapi BM25 parameters.
const (
	k1 = 1.5
	b  = 0.75
)

// Hit is one scored chunk.
type Hit struct {
	ChunkID string
	Score   float64
}

// Index is the in-memory posting structure for one KB. It is not
// concurrency-safe; the Manager serializes access with a per-KB RWMutex.
type Index struct {
	docLen   map[string]int            // chunk_id -> token count
	docTerms map[string]map[string]int // chunk_id -> term -> tf
	postings map[string]map[string]int // term -> chunk_id -> tf
	totalLen int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		docLen:   make(map[string]int),
		docTerms: make(map[string]map[string]int),
		postings: make(map[string]map[string]int),
	}
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.docLen) }

// Contains reports whether chunkID is indexed.
func (ix *Index) Contains(chunkID string) bool {
	_, ok := ix.docLen[chunkID]
	return ok
}

// ChunkIDs returns the indexed chunk ids in unspecified order.
func (ix *Index) ChunkIDs() []string {
	out := make([]string, 0, len(ix.docLen))
	for id := range ix.docLen {
		out = append(out, id)
	}
	return out
}

func (ix *Index) avgdl() float64 {
	if len(ix.docLen) == 0 {
		return 0
	}
	return float64(ix.totalLen) / float64(len(ix.docLen))
}

// Add indexes content under chunkID, replacing any previous postings for
// the same chunk.
func (ix *Index) Add(chunkID, content string) {
	if ix.Contains(chunkID) {
		ix.Remove(chunkID)
	}
	tokens := Tokenize(content)
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	ix.docLen[chunkID] = len(tokens)
	ix.docTerms[chunkID] = tf
	ix.totalLen += len(tokens)
	for term, n := range tf {
		m, ok := ix.postings[term]
		if !ok {
			m = make(map[string]int)
			ix.postings[term] = m
		}
		m[chunkID] = n
	}
}

// Remove drops all postings for chunkID. Unknown ids are a no-op.
func (ix *Index) Remove(chunkID string) {
	tf, ok := ix.docTerms[chunkID]
	if !ok {
		return
	}
	for term := range tf {
		if m, ok := ix.postings[term]; ok {
			delete(m, chunkID)
			if len(m) == 0 {
				delete(ix.postings, term)
			}
		}
	}
	ix.totalLen -= ix.docLen[chunkID]
	delete(ix.docLen, chunkID)
	delete(ix.docTerms, chunkID)
}

// Search scores the query against the index and returns the top k hits in
// descending score order, ties broken by chunk id for determinism. Chunks
// matching no query term are omitted.
func (ix *Index) Search(query string, k int) []Hit {
	if k <= 0 || len(ix.docLen) == 0 {
		return nil
	}
	n := float64(len(ix.docLen))
	avgdl := ix.avgdl()

	scores := make(map[string]float64)
	for _, term := range Tokenize(query) {
		posting, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for chunkID, tf := range posting {
			dl := float64(ix.docLen[chunkID])
			f := float64(tf)
			scores[chunkID] += idf * (f * (k1 + 1)) / (f + k1*(1-b+b*dl/avgdl))
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
