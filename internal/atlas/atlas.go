// Package atlas rewrites the two singleton narrative documents (the factual
// User Atlas and the reflective Assistant Atlas) and runs the probabilistic
// Dream processor, built around the same completion-client JSON-schema call
// shape used for structured extraction, generalized here to a plain
// free-form rewrite of the atlas text itself.
package atlas

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

type Atlas struct {
	graphRepo  graph.Repo
	retrieval  retrieval.Engine
	completion completion.Client
	embedder   embedder.Client
	log        *logger.Logger
	modelId    string
}

func New(graphRepo graph.Repo, retrievalEngine retrieval.Engine, completionClient completion.Client, embedderClient embedder.Client, modelId string, baseLog *logger.Logger) *Atlas {
	return &Atlas{
		graphRepo:  graphRepo,
		retrieval:  retrievalEngine,
		completion: completionClient,
		embedder:   embedderClient,
		modelId:    modelId,
		log:        baseLog.With("component", "Atlas"),
	}
}

func (a *Atlas) GetAtlas(ctx context.Context, userId typeid.TypeId) (string, error) {
	nodeId, err := a.graphRepo.EnsureAtlasNode(dbctx.Context{Ctx: ctx}, userId)
	if err != nil {
		return "", err
	}
	meta, err := a.graphRepo.GetNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", nil
	}
	return meta.Description, nil
}

func (a *Atlas) UpdateAtlas(ctx context.Context, userId typeid.TypeId, text string) error {
	nodeId, err := a.graphRepo.EnsureAtlasNode(dbctx.Context{Ctx: ctx}, userId)
	if err != nil {
		return err
	}
	return a.graphRepo.UpdateNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId, "Atlas", text)
}

func (a *Atlas) GetAssistantAtlas(ctx context.Context, userId typeid.TypeId, assistantId string) (string, error) {
	nodeId, _, err := a.graphRepo.EnsureAssistantAtlasNode(dbctx.Context{Ctx: ctx}, userId, assistantId)
	if err != nil {
		return "", err
	}
	meta, err := a.graphRepo.GetNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", nil
	}
	return meta.Description, nil
}

func (a *Atlas) UpdateAssistantAtlas(ctx context.Context, userId typeid.TypeId, assistantId, text string) error {
	nodeId, _, err := a.graphRepo.EnsureAssistantAtlasNode(dbctx.Context{Ctx: ctx}, userId, assistantId)
	if err != nil {
		return err
	}
	return a.graphRepo.UpdateNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId, assistantId, text)
}

const userAtlasPrompt = `You rewrite a running long-form memory document about a user for an AI assistant. Rules:
- Include only facts the user has explicitly stated; never speculate.
- Give time-sensitive entries a YYYY-MM-DD date.
- Aggressively remove items not referenced by anything in the last 30 days.
- Never duplicate an existing fact.
- If new information contradicts an existing entry, correct it immediately rather than appending.
Return only the rewritten document text.`

// ProcessAtlasJob collects yesterday's Conversation nodes and rewrites the
// User Atlas from them.
func (a *Atlas) ProcessAtlasJob(ctx context.Context, userId typeid.TypeId) error {
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	dayNodeId, ok, err := a.retrieval.FindDayNode(ctx, userId, yesterday)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Info("ProcessAtlasJob: no day node for yesterday, nothing to do", "date", yesterday)
		return nil
	}

	neighbors, err := a.retrieval.FindOneHopNodes(ctx, userId, []typeid.TypeId{dayNodeId})
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, n := range neighbors {
		if n.Type != models.NodeTypeConversation {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", n.Label, n.Description)
	}
	if b.Len() == 0 {
		a.log.Info("ProcessAtlasJob: no conversation nodes for yesterday", "date", yesterday)
		return nil
	}

	current, err := a.GetAtlas(ctx, userId)
	if err != nil {
		return err
	}

	user := fmt.Sprintf("Current atlas:\n%s\n\nYesterday's conversations (%s):\n%s%s", current, yesterday, b.String(), a.profileContextBlock(ctx, userId))
	rewritten, err := a.completion.GenerateText(ctx, a.modelId, userAtlasPrompt, user)
	if err != nil {
		return err
	}
	return a.UpdateAtlas(ctx, userId, strings.TrimSpace(rewritten))
}

// profileContextBlock appends the user's standing profile blob, if any, as
// extra rewrite context; absent on a user with no profile row yet.
func (a *Atlas) profileContextBlock(ctx context.Context, userId typeid.TypeId) string {
	profile, ok, err := a.graphRepo.GetUserProfile(dbctx.Context{Ctx: ctx}, userId)
	if err != nil || !ok || strings.TrimSpace(profile.Content) == "" {
		return ""
	}
	return fmt.Sprintf("\n\nStanding user profile:\n%s", profile.Content)
}

const assistantAtlasPromptTemplate = `You are %s, reflecting on your own developing understanding of a user, written in first person. Rules:
- Emphasize what you have actually observed in interactions; never assume beyond it.
- Remove transient emotional states not reinforced in the last 14 days.
- Remove reflections unreferenced by anything in the last 30 days.
- Never duplicate an existing reflection.
Return only the rewritten document text.`

// AssistantDreamJob rewrites the Assistant Atlas in the assistant's own
// persona voice. Distinct from the probabilistic Dream Processor in
// dream.go, which proposes new reflections rather than rewriting the
// narrative document.
func (a *Atlas) AssistantDreamJob(ctx context.Context, userId typeid.TypeId, assistantId, assistantDescription string) error {
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	dayNodeId, ok, err := a.retrieval.FindDayNode(ctx, userId, yesterday)
	if err != nil {
		return err
	}
	if !ok {
		a.log.Info("AssistantDreamJob: no day node for yesterday, nothing to do", "date", yesterday)
		return nil
	}

	neighbors, err := a.retrieval.FindOneHopNodes(ctx, userId, []typeid.TypeId{dayNodeId})
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, n := range neighbors {
		if n.Type != models.NodeTypeConversation {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", n.Label, n.Description)
	}
	if b.Len() == 0 {
		a.log.Info("AssistantDreamJob: no conversation nodes for yesterday", "date", yesterday)
		return nil
	}

	current, err := a.GetAssistantAtlas(ctx, userId, assistantId)
	if err != nil {
		return err
	}

	system := fmt.Sprintf(assistantAtlasPromptTemplate, assistantDescription)
	user := fmt.Sprintf("Current reflections:\n%s\n\nYesterday's interactions (%s):\n%s", current, yesterday, b.String())
	rewritten, err := a.completion.GenerateText(ctx, a.modelId, system, user)
	if err != nil {
		return err
	}
	return a.UpdateAssistantAtlas(ctx, userId, assistantId, strings.TrimSpace(rewritten))
}
