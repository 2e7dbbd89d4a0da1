// Package summarize titles and summarizes conversation sources, built on
// the completion client's JSON-schema call pattern generalized from a
// single call to a per-row batch loop with isolated failure handling.
package summarize

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

const maxTitleLen = 255

type Summarizer struct {
	graphRepo  graph.Repo
	completion completion.Client
	log        *logger.Logger
	modelId    string
}

func New(graphRepo graph.Repo, completionClient completion.Client, modelId string, baseLog *logger.Logger) *Summarizer {
	return &Summarizer{graphRepo: graphRepo, completion: completionClient, modelId: modelId, log: baseLog.With("component", "Summarizer")}
}

var titleSummarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"summary": map[string]any{"type": "string"},
	},
	"required": []string{"title", "summary"},
}

const summarizeSystemPrompt = `Write a short title (at most 255 characters) and a concise summary for this conversation. Return strict JSON matching the schema.`

type xmlMessage struct {
	XMLName xml.Name `xml:"message"`
	Role    string   `xml:"role,attr"`
	Name    string   `xml:"name,attr,omitempty"`
	Content string   `xml:",chardata"`
}

type xmlConversation struct {
	XMLName  xml.Name     `xml:"conversation"`
	Messages []xmlMessage `xml:"message"`
}

// Run processes every conversation Source for userId whose status is not
// summarized: per-row failures are marked `failed` without aborting the
// batch.
func (s *Summarizer) Run(ctx context.Context, userId typeid.TypeId) error {
	sources, err := s.graphRepo.ListSourcesByStatusNot(dbctx.Context{Ctx: ctx}, userId, models.SourceTypeConversation, models.SourceStatusSummarized)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if err := s.summarizeOne(ctx, userId, src); err != nil {
			s.log.Warn("summarize: row failed, continuing batch", "source_id", src.Id.String(), "error", err)
			_, _ = s.graphRepo.SetSourceStatus(dbctx.Context{Ctx: ctx}, src.Id, src.Status, models.SourceStatusFailed)
		}
	}
	return nil
}

func (s *Summarizer) summarizeOne(ctx context.Context, userId typeid.TypeId, src *models.Source) error {
	children, err := s.graphRepo.ChildSources(dbctx.Context{Ctx: ctx}, src.Id, models.SourceTypeConversationMessage)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	conv := xmlConversation{}
	for _, c := range children {
		var meta models.MessageMetadata
		if err := json.Unmarshal(c.Metadata, &meta); err != nil {
			s.log.Warn("summarize: skipping unreadable message metadata", "source_id", c.Id.String(), "error", err)
			continue
		}
		conv.Messages = append(conv.Messages, xmlMessage{Role: meta.Role, Name: meta.Name, Content: meta.Content})
	}
	xmlBytes, err := xml.MarshalIndent(conv, "", "  ")
	if err != nil {
		return apperr.Validation("summarize.summarizeOne", err)
	}

	obj, err := s.completion.GenerateJSON(ctx, s.modelId, summarizeSystemPrompt, string(xmlBytes), "conversation_summary", titleSummarySchema)
	if err != nil {
		return err
	}
	title, _ := obj["title"].(string)
	summary, _ := obj["summary"].(string)
	if title == "" {
		return apperr.LLMParse("summarize.summarizeOne", fmt.Errorf("empty title in completion"))
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}

	nodeId, ok, err := s.graphRepo.GetSourceLinkedNode(dbctx.Context{Ctx: ctx}, src.Id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Logic("summarize.summarizeOne", fmt.Errorf("no conversation node linked to source %s", src.Id.String()))
	}
	if err := s.graphRepo.UpdateNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId, title, summary); err != nil {
		return err
	}

	changed, err := s.graphRepo.SetSourceStatus(dbctx.Context{Ctx: ctx}, src.Id, src.Status, models.SourceStatusSummarized)
	if err != nil {
		return err
	}
	if !changed {
		s.log.Warn("summarize: status changed concurrently, leaving as-is", "source_id", src.Id.String())
	}
	return nil
}
