// Package search provides hybrid search functionality combining symbol, BM25, and
// semantic search. Results are fused using Reciprocal Rank Fusion (RRF).
package search

import (
	"math"
	"sort"

	"github.com/codesearch-mcp/codesearch/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// FusedResult represents a single result after RRF fusion.
type FusedResult struct {
	ChunkID      string   // Chunk identifier
	FilePath     string   // Used only for the deterministic tie-break, not scoring
	StartLine    int      // Used only for the deterministic tie-break, not scoring
	RRFScore     float64  // Combined RRF score (normalized 0-1)
	BM25Score    float64  // Original BM25 score (preserved)
	BM25Rank     int      // Position in BM25 list (1-indexed, 0 if absent)
	VecScore     float64  // Original vector similarity score (preserved)
	VecRank      int      // Position in vector list (1-indexed, 0 if absent)
	InSymbolMap  bool     // Document was an exact symbol-map hit
	InBothLists  bool     // Document appeared in both BM25 and vector lists
	MatchedTerms []string // BM25 matched terms (for highlighting)
}

// ChunkLocator resolves a chunk id to the (file_path, start_line) pair used by
// the final tie-break level. The fusion package has no chunk-store dependency
// of its own, so the caller (the search Engine, which already holds the
// metadata store) supplies this.
type ChunkLocator func(chunkID string) (filePath string, startLine int, ok bool)

// RRFFusion combines symbol, BM25, and vector search results using
// Reciprocal Rank Fusion.
//
// Algorithm (§4.8): score(doc) = w_S·[doc ∈ S]·(1/(k+0)) + w_L·Σ 1/(k+rank_L) + w_V·Σ 1/(k+rank_V)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position in ranked list i (1-indexed)
//   - w_S = ∞ (a symbol-map hit always ranks above every lexical/vector result)
//   - w_L, w_V = configurable lexical/vector weights (default 1.0 / 0.7)
//
// Only lanes a document actually appears in contribute; there is no
// missing-rank imputation for an absent lane.
type RRFFusion struct {
	K int // RRF smoothing constant (default: 60)

	// Locate resolves tie-break metadata for a chunk id. Optional: when nil,
	// the final tie-break level falls back to comparing chunk ids directly.
	Locate ChunkLocator
}

// NewRRFFusion creates a new RRF fusion instance with default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a new RRF fusion with custom k value.
// If k <= 0, defaults to 60.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines symbol, BM25, and vector results using Reciprocal Rank Fusion.
//
// symbolHits are chunk ids returned by an exact Symbol Map lookup (§4.6);
// pass nil when the query didn't qualify for Lane S (multi-word queries, or
// no match). Every symbol hit gets pseudo-rank 0 and an effectively infinite
// score, so it always sorts above any BM25/vector-only result.
//
// Results are sorted by: RRFScore (desc) → smaller lexical rank → smaller
// vector rank → lexicographically smaller (file_path, start_line).
func (f *RRFFusion) Fuse(
	symbolHits []string,
	bm25 []*store.BM25Result,
	vec []*store.VectorResult,
	weights Weights,
) []*FusedResult {
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	if len(symbolHits) == 0 && len(bm25) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	// Build result map with RRF scores
	capacity := len(symbolHits) + len(bm25) + len(vec)
	scores := make(map[string]*FusedResult, capacity)

	// Lane S: a symbol-map hit contributes at pseudo-rank 0 with an infinite
	// weight, so it always outranks a finite lexical/vector-only score.
	for _, id := range symbolHits {
		result := f.getOrCreate(scores, id)
		result.InSymbolMap = true
		result.RRFScore = math.Inf(1)
	}

	// Lane L: BM25 results (1-indexed ranks)
	for rank, r := range bm25 {
		result := f.getOrCreate(scores, r.DocID)
		result.BM25Score = r.Score
		result.BM25Rank = rank + 1
		result.MatchedTerms = r.MatchedTerms
		result.RRFScore += weights.BM25 / float64(f.K+rank+1)
	}

	// Lane V: vector results (1-indexed ranks)
	for rank, r := range vec {
		result := f.getOrCreate(scores, r.ID)
		result.VecScore = float64(r.Score)
		result.VecRank = rank + 1
		result.RRFScore += weights.Semantic / float64(f.K+rank+1)

		if result.BM25Rank > 0 {
			result.InBothLists = true
		}
	}

	// Resolve tie-break metadata once per candidate, not per comparison.
	if f.Locate != nil {
		for id, r := range scores {
			if path, line, ok := f.Locate(id); ok {
				r.FilePath = path
				r.StartLine = line
			}
		}
	}

	// Convert to sorted slice
	results := f.toSortedSlice(scores)

	// Normalize scores to 0-1 range
	f.normalize(results)

	return results
}

// getOrCreate returns existing result or creates new one.
func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{ChunkID: id}
	m[id] = r
	return r
}

// toSortedSlice converts map to slice and sorts by RRF score with tie-breaking.
func (f *RRFFusion) toSortedSlice(m map[string]*FusedResult) []*FusedResult {
	results := make([]*FusedResult, 0, len(m))
	for _, r := range m {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	return results
}

// rankOrWorst returns rank when the document appears in that lane (rank > 0),
// or an arbitrarily large sentinel when it's absent, so "absent" always loses
// the smaller-rank comparison rather than winning it via the zero value.
func rankOrWorst(rank int) int {
	if rank <= 0 {
		return math.MaxInt32
	}
	return rank
}

// compare implements deterministic comparison for sorting.
// Returns true if a should rank before b.
//
// Priority (§4.8):
//  1. Higher fused score
//  2. Smaller lexical (BM25) rank
//  3. Smaller vector rank
//  4. Lexicographically smaller (file_path, start_line), falling back to
//     chunk id when locator metadata wasn't available for either side
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}

	if aRank, bRank := rankOrWorst(a.BM25Rank), rankOrWorst(b.BM25Rank); aRank != bRank {
		return aRank < bRank
	}

	if aRank, bRank := rankOrWorst(a.VecRank), rankOrWorst(b.VecRank); aRank != bRank {
		return aRank < bRank
	}

	if a.FilePath != b.FilePath {
		return a.FilePath < b.FilePath
	}
	if a.StartLine != b.StartLine {
		return a.StartLine < b.StartLine
	}

	return a.ChunkID < b.ChunkID
}

// normalize scales all finite RRF scores to 0-1 range using the maximum
// finite score as the reference. A symbol-map hit (RRFScore = +Inf) is
// pinned to 1.0 rather than participating in the max/divide, since dividing
// Inf by Inf would otherwise produce NaN.
func (f *RRFFusion) normalize(results []*FusedResult) {
	if len(results) == 0 {
		return
	}

	var maxFinite float64
	for _, r := range results {
		if !math.IsInf(r.RRFScore, 1) && r.RRFScore > maxFinite {
			maxFinite = r.RRFScore
		}
	}

	for _, r := range results {
		if math.IsInf(r.RRFScore, 1) {
			r.RRFScore = 1.0
			continue
		}
		if maxFinite == 0 {
			continue
		}
		r.RRFScore = r.RRFScore / maxFinite
	}
}
