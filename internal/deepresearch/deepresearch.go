// Package deepresearch runs the background tangential-query expansion job
// and its per-conversation result cache, built on the cache package's SET NX
// throttle primitive and the completion client's JSON-schema pattern for the
// query/continue loop.
package deepresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brightloom-ai/episodic/internal/cache"
	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

const (
	throttleTTL   = 60 * time.Second
	cacheTTL      = 24 * time.Hour
	maxLoops      = 4
	maxQueries    = 5
	perLoopLimit  = 10
)

type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Item is one cached result entry, tagged with the retrieval kind it came
// from so a later merge-on-read can fold it back into the right group.
type Item struct {
	Kind  retrieval.Kind `json:"kind"`
	Id    string         `json:"id"`
	Label string         `json:"label"`
	Text  string         `json:"text"`
	Score float64        `json:"score"`
}

type Runner struct {
	retrieval  retrieval.Engine
	completion completion.Client
	cache      cache.Cache
	log        *logger.Logger
	modelId    string
}

func New(retrievalEngine retrieval.Engine, completionClient completion.Client, cacheStore cache.Cache, modelId string, baseLog *logger.Logger) *Runner {
	return &Runner{retrieval: retrievalEngine, completion: completionClient, cache: cacheStore, modelId: modelId, log: baseLog.With("component", "DeepResearch")}
}

// ShouldEnqueue implements the per-(user,conversation) throttle: only the
// first caller within a 60s window gets true.
func ShouldEnqueue(ctx context.Context, c cache.Cache, userId, conversationId string) (bool, error) {
	key := cache.DeepResearchThrottleKey(userId, conversationId)
	return c.SetNX(ctx, key, []byte("1"), throttleTTL)
}

var queriesSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"queries": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": maxQueries,
		},
	},
	"required": []string{"queries"},
}

var continueSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"dropIds":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"continue": map[string]any{"type": "boolean"},
		"nextQuery": map[string]any{"type": "string"},
	},
	"required": []string{"dropIds", "continue"},
}

// Run generates tangential queries from the conversation's recent turns,
// iteratively expands the result set via hybrid search, and caches the
// final list.
func (r *Runner) Run(ctx context.Context, userId typeid.TypeId, conversationId string, messages []Message, lastNMessages int) error {
	if lastNMessages <= 0 {
		lastNMessages = 3
	}
	recent := messages
	if len(recent) > lastNMessages {
		recent = recent[len(recent)-lastNMessages:]
	}

	queries, err := r.proposeQueries(ctx, recent)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return nil
	}

	items := map[string]Item{} // keyed by "kind:id"
	queue := append([]string{}, queries...)

	for loop := 0; loop < maxLoops && len(queue) > 0; loop++ {
		query := queue[0]
		queue = queue[1:]

		ranked, err := r.retrieval.HybridSearch(ctx, userId, query, perLoopLimit, retrieval.DefaultMinSimDeepResearch)
		if err != nil {
			r.log.Warn("Run: hybrid search failed, continuing", "query", query, "error", err)
			continue
		}
		for _, rk := range ranked {
			item := toItem(rk)
			key := string(item.Kind) + ":" + item.Id
			if _, ok := items[key]; ok {
				continue
			}
			items[key] = item
		}

		decision, err := r.askContinue(ctx, query, items)
		if err != nil {
			r.log.Warn("Run: continue decision failed, stopping loop", "error", err)
			break
		}
		for _, dropId := range decision.DropIds {
			delete(items, dropId)
		}
		if !decision.Continue {
			break
		}
		if decision.NextQuery != "" {
			queue = append(queue, decision.NextQuery)
		}
	}

	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return apperr.Validation("deepresearch.Run", err)
	}
	return r.cache.Set(ctx, cache.DeepResearchKey(userId.String(), conversationId), payload, cacheTTL)
}

// Get reads the cached result set for (userId, conversationId), if present.
func (r *Runner) Get(ctx context.Context, userId typeid.TypeId, conversationId string) ([]Item, bool, error) {
	raw, ok, err := r.cache.Get(ctx, cache.DeepResearchKey(userId.String(), conversationId))
	if err != nil || !ok {
		return nil, ok, err
	}
	var out []Item
	if err := json.Unmarshal(raw, &out); err != nil {
		r.log.Warn("Get: stale/corrupt cache entry, ignoring", "error", err)
		return nil, false, nil
	}
	return out, true, nil
}

// SearchMemory implements the "search requests carrying a conversationId"
// half of the hybrid search contract: this conversation's cached
// deep-research items, if any, are folded into the rerank pass alongside the
// live hybrid search instead of being appended afterward with their stale
// cached scores.
func (r *Runner) SearchMemory(ctx context.Context, userId typeid.TypeId, conversationId, query string, limit int) ([]retrieval.Ranked, error) {
	cached, ok, err := r.Get(ctx, userId, conversationId)
	if err != nil {
		return nil, err
	}
	var extra []retrieval.ExternalDoc
	if ok {
		extra = make([]retrieval.ExternalDoc, 0, len(cached))
		for _, it := range cached {
			extra = append(extra, retrieval.ExternalDoc{Kind: it.Kind, Id: it.Id, Text: it.Text, Payload: it})
		}
	}
	return r.retrieval.HybridSearchWithCache(ctx, userId, query, limit, retrieval.DefaultMinSimUser, extra)
}

func (r *Runner) proposeQueries(ctx context.Context, recent []Message) ([]string, error) {
	var b strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	system := "Propose up to 5 short, tangentially related search queries inspired by this conversation excerpt, things the user hasn't asked about directly but that are probably relevant. Return strict JSON matching the schema."
	obj, err := r.completion.GenerateJSON(ctx, r.modelId, system, b.String(), "deep_research_queries", queriesSchema)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(obj["queries"])
	if err != nil {
		return nil, apperr.LLMParse("deepresearch.proposeQueries", err)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.LLMParse("deepresearch.proposeQueries", err)
	}
	return out, nil
}

type continueDecision struct {
	DropIds   []string
	Continue  bool
	NextQuery string
}

func (r *Runner) askContinue(ctx context.Context, lastQuery string, items map[string]Item) (continueDecision, error) {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s:%s] %s\n", it.Kind, it.Id, it.Text)
	}
	system := "Given the accumulated search results, decide which ids (in \"kind:id\" form) are irrelevant and should be dropped, and whether another query round is worth running. Return strict JSON matching the schema."
	user := fmt.Sprintf("Last query: %s\n\nAccumulated results:\n%s", lastQuery, b.String())
	obj, err := r.completion.GenerateJSON(ctx, r.modelId, system, user, "deep_research_continue", continueSchema)
	if err != nil {
		return continueDecision{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return continueDecision{}, apperr.LLMParse("deepresearch.askContinue", err)
	}
	var dec continueDecision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return continueDecision{}, apperr.LLMParse("deepresearch.askContinue", err)
	}
	return dec, nil
}

func toItem(rk retrieval.Ranked) Item {
	switch p := rk.Payload.(type) {
	case retrieval.SimilarNode:
		return Item{Kind: retrieval.KindNode, Id: p.NodeId.String(), Label: p.Label, Text: p.Label + ": " + p.Description, Score: rk.Score}
	case retrieval.SimilarEdge:
		return Item{Kind: retrieval.KindEdge, Id: p.EdgeId.String(), Label: p.SourceLabel + " -> " + p.TargetLabel, Text: string(p.Type) + ": " + p.Description, Score: rk.Score}
	case retrieval.OneHopNode:
		return Item{Kind: retrieval.KindConnection, Id: p.NodeId.String(), Label: p.Label, Text: p.Label + ": " + p.Description, Score: rk.Score}
	default:
		return Item{Kind: rk.Kind, Score: rk.Score}
	}
}
