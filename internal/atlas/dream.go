package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

const (
	maxDreamTopics       = 3
	maxQueriesPerTopic   = 3
	dreamRetentionScore  = 0.70
	dreamSearchLimit     = 10
	dreamSearchMinSim    = retrieval.DefaultMinSimUser
)

var topicsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"topics": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": maxDreamTopics,
		},
	},
	"required": []string{"topics"},
}

var queriesSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"queries": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": maxQueriesPerTopic,
		},
	},
	"required": []string{"queries"},
}

var scoreSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"score": map[string]any{"type": "number"},
	},
	"required": []string{"score"},
}

const dreamSystemPromptTemplate = `You are %s, composing a private, long-form creative reflection about a user based only on what you have actually observed. Be introspective and speculative in tone but never invent facts presented as certain.`

// RunDream runs the probabilistic Dream Processor: a dream is gated by
// dreamProbability, its topics each independently gated by
// selectionProbability, and a dream is only persisted once it scores at
// least dreamRetentionScore.
func (a *Atlas) RunDream(ctx context.Context, userId typeid.TypeId, assistantId, assistantDescription string, dreamProbability, selectionProbability float64) error {
	if rand.Float64() >= dreamProbability {
		a.log.Info("RunDream: not selected this cycle")
		return nil
	}

	yesterdayLabel, dayNodeId, ok, err := a.yesterdayDayNode(ctx, userId)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Info("RunDream: no day node for yesterday, nothing to do")
		return nil
	}

	topics, err := a.proposeTopics(ctx, userId, dayNodeId, yesterdayLabel)
	if err != nil {
		return err
	}

	for _, topic := range topics {
		if rand.Float64() >= selectionProbability {
			continue
		}
		if err := a.processTopic(ctx, userId, dayNodeId, assistantId, assistantDescription, topic); err != nil {
			a.log.Warn("RunDream: topic failed, skipping", "topic", topic, "error", err)
		}
	}
	return nil
}

func (a *Atlas) yesterdayDayNode(ctx context.Context, userId typeid.TypeId) (string, typeid.TypeId, bool, error) {
	yesterday := yesterdayLabel()
	dayNodeId, ok, err := a.retrieval.FindDayNode(ctx, userId, yesterday)
	if err != nil || !ok {
		return yesterday, typeid.TypeId{}, false, err
	}
	return yesterday, dayNodeId, true, nil
}

func (a *Atlas) proposeTopics(ctx context.Context, userId typeid.TypeId, dayNodeId typeid.TypeId, dateLabel string) ([]string, error) {
	neighbors, err := a.retrieval.FindOneHopNodes(ctx, userId, []typeid.TypeId{dayNodeId})
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, n := range neighbors {
		if n.Type != models.NodeTypeConversation {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", n.Label, n.Description)
	}
	if b.Len() == 0 {
		return nil, nil
	}

	system := "Propose up to 3 short reflection topics inspired by the day's interactions. Return strict JSON matching the schema."
	user := fmt.Sprintf("Interactions on %s:\n%s", dateLabel, b.String())
	obj, err := a.completion.GenerateJSON(ctx, a.modelId, system, user, "dream_topics", topicsSchema)
	if err != nil {
		return nil, err
	}
	return stringSlice(obj, "topics")
}

func (a *Atlas) processTopic(ctx context.Context, userId typeid.TypeId, dayNodeId typeid.TypeId, assistantId, assistantDescription, topic string) error {
	queries, err := a.proposeQueries(ctx, topic)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		queries = []string{topic}
	}

	var contextBuilder strings.Builder
	for _, q := range queries {
		results, err := a.retrieval.FindSimilarNodes(ctx, userId, q, dreamSearchLimit, dreamSearchMinSim, nil)
		if err != nil {
			a.log.Warn("processTopic: search failed, continuing", "query", q, "error", err)
			continue
		}
		for _, r := range results {
			fmt.Fprintf(&contextBuilder, "- %s: %s\n", r.Label, r.Description)
		}
	}

	system := fmt.Sprintf(dreamSystemPromptTemplate, assistantId)
	if assistantDescription != "" {
		system += " " + assistantDescription
	}
	user := fmt.Sprintf("Topic: %s\n\nRelevant memories:\n%s\n\nWrite the reflection now.", topic, contextBuilder.String())
	dreamText, err := a.completion.GenerateText(ctx, a.modelId, system, user)
	if err != nil {
		return err
	}

	score, err := a.scoreDream(ctx, topic, dreamText)
	if err != nil {
		return err
	}
	if score < dreamRetentionScore {
		a.log.Info("processTopic: dream scored below retention threshold, discarding", "topic", topic, "score", score)
		return nil
	}

	return a.persistDream(ctx, userId, dayNodeId, topic, dreamText)
}

func (a *Atlas) proposeQueries(ctx context.Context, topic string) ([]string, error) {
	system := "Propose 1 to 3 short search queries that would surface memories relevant to this reflection topic. Return strict JSON matching the schema."
	obj, err := a.completion.GenerateJSON(ctx, a.modelId, system, topic, "dream_queries", queriesSchema)
	if err != nil {
		return nil, err
	}
	return stringSlice(obj, "queries")
}

func (a *Atlas) scoreDream(ctx context.Context, topic, dreamText string) (float64, error) {
	system := "Score this reflection from 0 to 1 on how insightful and well-grounded it is. Return strict JSON matching the schema."
	user := fmt.Sprintf("Topic: %s\n\nReflection:\n%s", topic, dreamText)
	obj, err := a.completion.GenerateJSON(ctx, a.modelId, system, user, "dream_score", scoreSchema)
	if err != nil {
		return 0, err
	}
	score, ok := obj["score"].(float64)
	if !ok {
		return 0, apperr.LLMParse("atlas.scoreDream", fmt.Errorf("score field missing or not a number"))
	}
	return score, nil
}

func (a *Atlas) persistDream(ctx context.Context, userId typeid.TypeId, dayNodeId typeid.TypeId, topic, dreamText string) error {
	dbc := dbctx.Context{Ctx: ctx}
	nodeId, err := a.graphRepo.InsertNodeWithMetadata(dbc, userId, graph.NewNode{
		Type:        models.NodeTypeAssistantDream,
		Label:       topic,
		Description: dreamText,
	})
	if err != nil {
		return err
	}

	vecs, err := a.embedder.Embed(ctx, []string{fmt.Sprintf("%s: %s", topic, dreamText)}, embedder.InputPassage)
	if err == nil && len(vecs) > 0 {
		if err := a.graphRepo.InsertNodeEmbedding(dbc, nodeId, vecs[0], "jina-embeddings-v3"); err != nil {
			a.log.Warn("persistDream: embedding insert failed", "node_id", nodeId.String(), "error", err)
		}
	} else if err != nil {
		a.log.Warn("persistDream: embed failed", "node_id", nodeId.String(), "error", err)
	}

	_, err = a.graphRepo.InsertEdges(dbc, userId, []graph.NewEdge{{
		SourceNodeId: dayNodeId,
		TargetNodeId: nodeId,
		EdgeType:     models.EdgeCapturedIn,
	}})
	return err
}

func stringSlice(obj map[string]any, key string) ([]string, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, apperr.LLMParse("atlas.stringSlice", err)
	}
	var out []string
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, apperr.LLMParse("atlas.stringSlice", err)
	}
	return out, nil
}

func yesterdayLabel() string {
	return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}
