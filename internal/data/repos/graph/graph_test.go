package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/testutil"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

func newRepo(t *testing.T) (Repo, dbctx.Context, typeid.TypeId) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := New(tx, testutil.Logger(t))

	userId := typeid.New(typeid.PrefixUser)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	require.NoError(t, repo.EnsureUser(dbc, userId))
	return repo, dbc, userId
}

func TestEnsureAtlasNodeIsIdempotent(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	first, err := repo.EnsureAtlasNode(dbc, userId)
	require.NoError(t, err)

	second, err := repo.EnsureAtlasNode(dbc, userId)
	require.NoError(t, err)

	assert.Equal(t, first, second, "EnsureAtlasNode must return the same node on repeated calls")
}

func TestEnsureDayNodeIsIdempotentPerDate(t *testing.T) {
	repo, dbc, userId := newRepo(t)
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	first, err := repo.EnsureDayNode(dbc, userId, day)
	require.NoError(t, err)

	second, err := repo.EnsureDayNode(dbc, userId, day)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := repo.EnsureDayNode(dbc, userId, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestUpsertSourceThenGetSourceRoundTrips(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	in := SourceInput{
		Type:        models.SourceTypeConversation,
		ExternalId:  "conv-1",
		Status:      models.SourceStatusProcessing,
		ContentType: "text/plain",
	}
	created, err := repo.UpsertSource(dbc, userId, in)
	require.NoError(t, err)
	require.NotNil(t, created)

	fetched, err := repo.GetSource(dbc, userId, models.SourceTypeConversation, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, created.Id, fetched.Id)

	in.Status = models.SourceStatusSummarized
	updated, err := repo.UpsertSource(dbc, userId, in)
	require.NoError(t, err)
	assert.Equal(t, created.Id, updated.Id, "upsert on the same (user,type,externalId) must update, not duplicate")
	assert.Equal(t, models.SourceStatusSummarized, updated.Status)
}

func TestSetSourceStatusCompareAndSwap(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	src, err := repo.UpsertSource(dbc, userId, SourceInput{
		Type:       models.SourceTypeDocument,
		ExternalId: "doc-1",
		Status:     models.SourceStatusPending,
	})
	require.NoError(t, err)

	changed, err := repo.SetSourceStatus(dbc, src.Id, models.SourceStatusPending, models.SourceStatusProcessing)
	require.NoError(t, err)
	assert.True(t, changed)

	changedAgain, err := repo.SetSourceStatus(dbc, src.Id, models.SourceStatusPending, models.SourceStatusProcessing)
	require.NoError(t, err)
	assert.False(t, changedAgain, "CAS must fail once the expected status no longer matches")
}

func TestInsertNodeWithMetadataAndGetNode(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	nodeId, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{
		Type:        models.NodeTypePerson,
		Label:       "Alice",
		Description: "a friend",
	})
	require.NoError(t, err)

	node, err := repo.GetNode(dbc, nodeId)
	require.NoError(t, err)
	assert.Equal(t, userId, node.UserId)

	meta, err := repo.GetNodeMetadata(dbc, nodeId)
	require.NoError(t, err)
	assert.Equal(t, "Alice", meta.Label)
}

func TestDeleteNodeCascadeRemovesSourceLinksAndEdges(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	a, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "A"})
	require.NoError(t, err)
	b, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "B"})
	require.NoError(t, err)

	_, err = repo.InsertEdges(dbc, userId, []NewEdge{
		{SourceNodeId: a, TargetNodeId: b, EdgeType: models.EdgeRelatedTo},
	})
	require.NoError(t, err)

	src, err := repo.UpsertSource(dbc, userId, SourceInput{Type: models.SourceTypeDocument, ExternalId: "doc-cascade", Status: models.SourceStatusPending})
	require.NoError(t, err)
	require.NoError(t, repo.InsertSourceLink(dbc, src.Id, a, ""))

	require.NoError(t, repo.DeleteNodeCascade(dbc, a))

	node, err := repo.GetNode(dbc, a)
	require.NoError(t, err)
	assert.Nil(t, node, "node must be gone after cascade delete")

	_, linked, err := repo.GetSourceLinkedNode(dbc, src.Id)
	require.NoError(t, err)
	assert.False(t, linked, "source link to the deleted node must be gone")

	reinserted, err := repo.InsertEdges(dbc, userId, []NewEdge{
		{SourceNodeId: a, TargetNodeId: b, EdgeType: models.EdgeRelatedTo},
	})
	require.NoError(t, err)
	assert.Len(t, reinserted, 1, "the old a->b edge must be gone, so the same triple inserts again")
}

func TestRewireEdgesMovesEndpoints(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	a, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "A"})
	require.NoError(t, err)
	b, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "B"})
	require.NoError(t, err)
	c, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "C"})
	require.NoError(t, err)

	_, err = repo.InsertEdges(dbc, userId, []NewEdge{
		{SourceNodeId: a, TargetNodeId: b, EdgeType: models.EdgeRelatedTo},
	})
	require.NoError(t, err)

	require.NoError(t, repo.RewireEdges(dbc, a, c))

	_, err = repo.GetNode(dbc, c)
	require.NoError(t, err)

	moved, err := repo.InsertEdges(dbc, userId, []NewEdge{
		{SourceNodeId: c, TargetNodeId: b, EdgeType: models.EdgeRelatedTo},
	})
	require.NoError(t, err)
	assert.Empty(t, moved, "the c->b edge must already exist after rewiring a onto c")

	old, err := repo.InsertEdges(dbc, userId, []NewEdge{
		{SourceNodeId: a, TargetNodeId: b, EdgeType: models.EdgeRelatedTo},
	})
	require.NoError(t, err)
	assert.Len(t, old, 1, "the a->b edge must be gone after rewiring")
}

func TestEnsureAliasIsIdempotentAndFoundByMention(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	node, err := repo.InsertNodeWithMetadata(dbc, userId, NewNode{Type: models.NodeTypePerson, Label: "John Doe"})
	require.NoError(t, err)

	require.NoError(t, repo.EnsureAlias(dbc, userId, "John", node))
	require.NoError(t, repo.EnsureAlias(dbc, userId, "John", node), "EnsureAlias must be a no-op on the same triple")

	found, err := repo.FindAliasesMentionedIn(dbc, userId, "John went to the store")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, node, found[0].CanonicalNodeId)

	notFound, err := repo.FindAliasesMentionedIn(dbc, userId, "nothing relevant here")
	require.NoError(t, err)
	assert.Empty(t, notFound)
}

func TestUpsertUserProfileRoundTrips(t *testing.T) {
	repo, dbc, userId := newRepo(t)

	_, ok, err := repo.GetUserProfile(dbc, userId)
	require.NoError(t, err)
	assert.False(t, ok, "no profile row before first write")

	require.NoError(t, repo.UpsertUserProfile(dbc, userId, "likes hiking"))
	profile, ok, err := repo.GetUserProfile(dbc, userId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "likes hiking", profile.Content)

	require.NoError(t, repo.UpsertUserProfile(dbc, userId, "likes hiking and climbing"))
	profile, ok, err = repo.GetUserProfile(dbc, userId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "likes hiking and climbing", profile.Content, "second upsert must update, not duplicate")
}
