package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
)

// toVectorLiteral renders a float32 vector as the pgvector text literal
// ("[0.1,0.2,...]") gorm's Raw() interpolates into the SQL parameter.
func toVectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", f)
	}
	b.WriteByte(']')
	return b.String()
}

// rerank formats the three labeled groups per the hybrid search contract's
// per-kind document templates, folds in any extra pre-formatted documents
// (the deep-research cache's merge-on-read items), sends everything to the
// cross-encoder together, and returns a single descending-score tagged-union
// list cut to limit.
func rerank(ctx context.Context, emb embedder.Client, query string, nodes []SimilarNode, edges []SimilarEdge, connections []OneHopNode, extra []ExternalDoc, limit int) ([]Ranked, error) {
	docs := make([]string, 0, len(nodes)+len(edges)+len(connections)+len(extra))
	kinds := make([]Kind, 0, cap(docs))
	payloads := make([]any, 0, cap(docs))

	for _, n := range nodes {
		docs = append(docs, fmt.Sprintf("%s: %s", n.Label, n.Description))
		kinds = append(kinds, KindNode)
		payloads = append(payloads, n)
	}
	for _, e := range edges {
		doc := fmt.Sprintf("%s -> %s: %s", e.SourceLabel, e.TargetLabel, e.Type)
		if strings.TrimSpace(e.Description) != "" {
			doc += ": " + e.Description
		}
		docs = append(docs, doc)
		kinds = append(kinds, KindEdge)
		payloads = append(payloads, e)
	}
	for _, c := range connections {
		docs = append(docs, fmt.Sprintf("%s: %s", c.Label, c.Description))
		kinds = append(kinds, KindConnection)
		payloads = append(payloads, c)
	}
	for _, x := range extra {
		docs = append(docs, x.Text)
		kinds = append(kinds, x.Kind)
		payloads = append(payloads, x.Payload)
	}

	if len(docs) == 0 {
		return nil, nil
	}

	scores, err := emb.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, 0, len(scores))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(docs) {
			continue
		}
		ranked = append(ranked, Ranked{Kind: kinds[s.Index], Payload: payloads[s.Index], Score: s.RelevanceScore})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
