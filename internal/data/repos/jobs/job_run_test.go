package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/data/repos/testutil"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

func newRepo(t *testing.T) (Repo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	return repo, dbc
}

func TestClaimNextRunnableSkipsLockedAndFiltersByEligibility(t *testing.T) {
	repo, dbc := newRepo(t)
	userId := typeid.New(typeid.PrefixUser)

	job, err := repo.Create(dbc, "summarize", userId, []byte(`{"userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "queued", job.Status)

	claimed, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.Id, claimed.Id)
	assert.Equal(t, "running", claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	again, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "a freshly-running job is not runnable again until its heartbeat goes stale")
}

func TestClaimNextRunnableReclaimsStaleRunningJob(t *testing.T) {
	repo, dbc := newRepo(t)
	userId := typeid.New(typeid.PrefixUser)

	job, err := repo.Create(dbc, "cleanup-graph", userId, []byte(`{}`))
	require.NoError(t, err)

	claimed, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	staleHeartbeat := time.Now().Add(-time.Hour)
	require.NoError(t, repo.UpdateFields(dbc, job.Id, map[string]interface{}{"heartbeat_at": staleHeartbeat}))

	reclaimed, err := repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.Id, reclaimed.Id)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestHeartbeatOnlyUpdatesRunningJobs(t *testing.T) {
	repo, dbc := newRepo(t)
	userId := typeid.New(typeid.PrefixUser)

	job, err := repo.Create(dbc, "summarize", userId, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, repo.Heartbeat(dbc, job.Id))
	fetched, err := repo.GetByID(dbc, job.Id)
	require.NoError(t, err)
	assert.Nil(t, fetched.HeartbeatAt, "heartbeat must be a no-op while the job is still queued")

	_, err = repo.ClaimNextRunnable(dbc, 5, 30*time.Second, 30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.Heartbeat(dbc, job.Id))
	fetched, err = repo.GetByID(dbc, job.Id)
	require.NoError(t, err)
	require.NotNil(t, fetched.HeartbeatAt)
}

func TestUpdateFieldsUnlessStatusRespectsGuard(t *testing.T) {
	repo, dbc := newRepo(t)
	userId := typeid.New(typeid.PrefixUser)

	job, err := repo.Create(dbc, "dream", userId, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateFields(dbc, job.Id, map[string]interface{}{"status": "succeeded"}))

	changed, err := repo.UpdateFieldsUnlessStatus(dbc, job.Id, []string{"succeeded", "failed"}, map[string]interface{}{"status": "running"})
	require.NoError(t, err)
	assert.False(t, changed, "a terminal job must not be moved back to running")
}

func TestExistsRunnableReflectsQueueState(t *testing.T) {
	repo, dbc := newRepo(t)
	userId := typeid.New(typeid.PrefixUser)

	exists, err := repo.ExistsRunnable(dbc, userId, "deep-research")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.Create(dbc, "deep-research", userId, []byte(`{}`))
	require.NoError(t, err)

	exists, err = repo.ExistsRunnable(dbc, userId, "deep-research")
	require.NoError(t, err)
	assert.True(t, exists)
}
