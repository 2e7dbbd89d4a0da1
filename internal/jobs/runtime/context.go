package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/jobs"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

// Context is the execution contract between the job worker and handler code.
// It wraps the job_run row, the repo that persists its state, and the
// decoded payload, and is the only sanctioned way for a handler to report
// progress or terminate.
type Context struct {
	Ctx         context.Context
	Job         *models.JobRun
	Repo        jobs.Repo
	LastMessage string
	payload     map[string]any
}

// NewContext constructs a runtime.Context for a claimed job execution,
// eagerly decoding the job payload so handlers can read it via Payload().
func NewContext(ctx context.Context, job *models.JobRun, repo jobs.Repo) *Context {
	c := &Context{Ctx: ctx, Job: job, Repo: repo}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload returns the decoded payload map for this job execution. Never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadString reads a payload field as a string.
func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// PayloadTypeId reads a payload field and parses it as a prefixed TypeId.
func (c *Context) PayloadTypeId(key string) (typeid.TypeId, bool) {
	s, ok := c.PayloadString(key)
	if !ok {
		return typeid.TypeId{}, false
	}
	id, err := typeid.ParseAny(s)
	if err != nil {
		return typeid.TypeId{}, false
	}
	return id, true
}

// Progress publishes a non-terminal status update for this job run,
// guarded so a canceled job is never overwritten.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.Id, []string{"canceled"}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
	c.LastMessage = msg
}

// Fail marks this job run as failed and records an error message, clearing
// the lease so it becomes reclaimable for retry while under max attempts.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.Id, []string{"canceled"}, map[string]interface{}{
			"status":        "failed",
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = "failed"
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}
}

// Succeed marks this job run as terminally succeeded and persists a result.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err == nil {
			res = b
		}
	}

	if c.Repo != nil && c.Job != nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.Id, []string{"canceled"}, map[string]interface{}{
			"status":       "succeeded",
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = "succeeded"
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
}

// RequireUserId pulls Job.UserId, failing loudly if it is somehow zero;
// every job_run row is created with a user scope so this should never trip.
func (c *Context) RequireUserId() (typeid.TypeId, error) {
	if c.Job == nil || c.Job.UserId.IsZero() {
		return typeid.TypeId{}, fmt.Errorf("job run missing user id")
	}
	return c.Job.UserId, nil
}
