package retrieval

import "sort"

// candidate accumulates per-chunk evidence from both modalities before
// fusion.
type candidate struct {
	hit       SearchHit
	dense     float64
	sparse    float64
	hasDense  bool
	hasSparse bool
}

// minMax returns the min and max of the present values for one modality.
func minMax(cands map[string]*candidate, pick func(*candidate) (float64, bool)) (float64, float64, bool) {
	first := true
	var lo, hi float64
	for _, c := range cands {
		v, ok := pick(c)
		if !ok {
			continue
		}
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, !first
}

// fuse min-max normalizes each modality over the request's candidates and
// combines them: fused = alpha*dense + (1-alpha)*sparse. Chunks missing a
// modality score 0 on it. Equal min and max normalize to 1 so a single-hit
// modality still contributes.
func fuse(cands map[string]*candidate, alpha float64) {
	dLo, dHi, hasDense := minMax(cands, func(c *candidate) (float64, bool) { return c.dense, c.hasDense })
	sLo, sHi, hasSparse := minMax(cands, func(c *candidate) (float64, bool) { return c.sparse, c.hasSparse })

	norm := func(v, lo, hi float64) float64 {
		if hi == lo {
			return 1.0
		}
		return (v - lo) / (hi - lo)
	}

	for _, c := range cands {
		var dn, sn float64
		if hasDense && c.hasDense {
			dn = norm(c.dense, dLo, dHi)
		}
		if hasSparse && c.hasSparse {
			sn = norm(c.sparse, sLo, sHi)
		}
		c.hit.RawDense = c.dense
		c.hit.RawSparse = c.sparse
		c.hit.FusedScore = alpha*dn + (1-alpha)*sn
		c.hit.Score = c.hit.FusedScore
	}
}

// dedupeAcrossKBs keeps the best-scoring hit per (doc_id, chunk_index).
// Duplicates only arise when the same document is mirrored into multiple
// knowledge bases.
func dedupeAcrossKBs(hits []SearchHit) []SearchHit {
	type key struct {
		docID string
		index int
	}
	best := make(map[key]int, len(hits))
	out := hits[:0]
	for _, h := range hits {
		k := key{h.DocID, h.ChunkIndex}
		if i, ok := best[k]; ok {
			if h.Score > out[i].Score {
				out[i] = h
			}
			continue
		}
		best[k] = len(out)
		out = append(out, h)
	}
	return out
}

// sortHits orders by score descending with a deterministic tie-break on
// (doc_id, chunk_index) ascending.
func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocID != hits[j].DocID {
			return hits[i].DocID < hits[j].DocID
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
}
