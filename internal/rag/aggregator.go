package rag

import "sort"

// Aggregate merges per-query hits into one ranked list. Hits are grouped by
// chunk id; each group keeps the maximum score and its best-scoring
// instance, and records which queries contributed. Ordering is score
// descending with chunk id ascending as the tie break, so equal corpora
// always rank identically. The list is cut to topK.
func Aggregate(results []QueryResult, topK int) []RankedHit {
	groups := make(map[string]*RankedHit)
	for _, qr := range results {
		for _, hit := range qr.Hits {
			g, ok := groups[hit.ChunkID]
			if !ok {
				groups[hit.ChunkID] = &RankedHit{Hit: hit, Score: hit.Score, Queries: []int{qr.Query.Index}}
				continue
			}
			if hit.Score > g.Score {
				g.Score = hit.Score
				g.Hit = hit
			}
			g.Queries = appendUniqueIndex(g.Queries, qr.Query.Index)
		}
	}

	ranked := make([]RankedHit, 0, len(groups))
	for _, g := range groups {
		sort.Ints(g.Queries)
		ranked = append(ranked, *g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			return ranked[i].Hit.ChunkID < ranked[j].Hit.ChunkID
		}
		return ranked[i].Score > ranked[j].Score
	})

	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

func appendUniqueIndex(indexes []int, idx int) []int {
	for _, existing := range indexes {
		if existing == idx {
			return indexes
		}
	}
	return append(indexes, idx)
}
