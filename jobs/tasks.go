package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-bms/atlas/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzGroupInvalidate fans out cache invalidation to every member
	// of a changed permission group.
	TaskAuthzGroupInvalidate = "authz:group_invalidate"
	// TaskAuthzExpirySweep purges long-expired memberships and direct
	// grants. Resolution excludes them lazily either way.
	TaskAuthzExpirySweep = "authz:expiry_sweep"
)

// GroupInvalidatePayload identifies the group whose members need fresh
// resolved sets.
type GroupInvalidatePayload struct {
	GroupID int64 `json:"group_id"`
}

// NewGroupInvalidateTask constructs an Asynq task.
func NewGroupInvalidateTask(payload GroupInvalidatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzGroupInvalidate, data), nil
}

// NewExpirySweepTask constructs the scheduled sweep task.
func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TaskAuthzExpirySweep, nil)
}

// ExpiryStore provides the purge consumed by the sweep task.
type ExpiryStore interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handlers binds task processing to the authorization services.
type Handlers struct {
	Admin  *authz.Admin
	Store  ExpiryStore
	Logger *slog.Logger
	// SweepRetention keeps expired rows around for this long before the
	// sweep deletes them, preserving a short audit trail.
	SweepRetention time.Duration
}

// HandleGroupInvalidate processes TaskAuthzGroupInvalidate tasks.
func (h *Handlers) HandleGroupInvalidate(ctx context.Context, t *asynq.Task) error {
	var payload GroupInvalidatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	count, err := h.Admin.InvalidateGroupMembers(ctx, payload.GroupID)
	if err != nil {
		return err
	}
	if h.Logger != nil {
		h.Logger.Info("group invalidation fanout",
			slog.Int64("group_id", payload.GroupID),
			slog.Int("members", count))
	}
	return nil
}

// HandleExpirySweep processes TaskAuthzExpirySweep tasks.
func (h *Handlers) HandleExpirySweep(ctx context.Context, t *asynq.Task) error {
	retention := h.SweepRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	purged, err := h.Store.PurgeExpired(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	if h.Logger != nil {
		h.Logger.Info("expiry sweep", slog.Int64("purged", purged))
	}
	return nil
}

// Client submits jobs to the queue. It satisfies
// authz.GroupInvalidationEnqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueGroupInvalidation enqueues a member-fanout invalidation task.
func (c *Client) EnqueueGroupInvalidation(ctx context.Context, groupID int64) error {
	task, err := NewGroupInvalidateTask(GroupInvalidatePayload{GroupID: groupID})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
