package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/store"
	"github.com/wudi/offlinekit/internal/syncfreq"
	"go.uber.org/zap"
)

// QueueTable is the store table pending write intents live in.
const QueueTable = "sync_queue"

// ErrConflict marks a push the remote rejected as conflicting. The intent
// is dropped and reported as a conflict instead of a failure.
var ErrConflict = errors.New("app: write conflict")

// Intent is one queued local mutation waiting to be pushed.
type Intent struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Created  time.Time       `json:"created"`
	Attempts int             `json:"attempts"`
	LastErr  string          `json:"last_error,omitempty"`
}

// Pusher transfers one intent to the remote service.
type Pusher func(ctx context.Context, in Intent) error

// acknowledge is the default Pusher: it accepts every intent.
func acknowledge(ctx context.Context, in Intent) error {
	logging.Debug("write intent acknowledged",
		zap.String("id", in.ID),
		zap.Int("bytes", len(in.Payload)),
	)
	return nil
}

// WriteQueue persists write intents in the store and pushes them on each
// sync run. It serves the scheduler as both its queue and its engine.
type WriteQueue struct {
	store store.Store
	push  Pusher
	now   func() time.Time

	// mu serializes sync runs with enqueues so a run never races a write.
	mu sync.Mutex
}

// NewWriteQueue creates a queue on s. A nil push acknowledges every intent.
func NewWriteQueue(s store.Store, push Pusher) *WriteQueue {
	if push == nil {
		push = acknowledge
	}
	return &WriteQueue{store: s, push: push, now: time.Now}
}

// Enqueue stores payload as a new intent and returns its id.
func (q *WriteQueue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("app: intent payload is not valid JSON")
	}
	in := Intent{
		ID:      uuid.NewString(),
		Payload: payload,
		Created: q.now(),
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Put(ctx, QueueTable, in.ID, raw); err != nil {
		return "", fmt.Errorf("app: enqueue intent: %w", err)
	}
	return in.ID, nil
}

// QueueStats reports the number of stored intents.
func (q *WriteQueue) QueueStats(ctx context.Context) (syncfreq.QueueStats, error) {
	all, err := q.store.GetAll(ctx, QueueTable)
	if err != nil {
		return syncfreq.QueueStats{}, err
	}
	return syncfreq.QueueStats{Pending: len(all)}, nil
}

// Pending returns the stored intents, oldest first.
func (q *WriteQueue) Pending(ctx context.Context) ([]Intent, error) {
	all, err := q.store.GetAll(ctx, QueueTable)
	if err != nil {
		return nil, err
	}
	out := make([]Intent, 0, len(all))
	for key, raw := range all {
		var in Intent
		if err := json.Unmarshal(raw, &in); err != nil {
			logging.Warn("dropping unreadable write intent", zap.String("id", key), zap.Error(err))
			q.store.Delete(ctx, QueueTable, key)
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PerformSync pushes every stored intent in creation order. Pushed and
// conflicting intents are removed; failed ones stay queued with their
// attempt count raised. The last push error is returned when nothing was
// synced.
func (q *WriteQueue) PerformSync(ctx context.Context) (syncfreq.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res syncfreq.Result
	intents, err := q.Pending(ctx)
	if err != nil {
		return res, fmt.Errorf("app: load write queue: %w", err)
	}

	var lastErr error
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := q.push(ctx, in)
		switch {
		case err == nil:
			res.Synced++
			q.remove(ctx, in.ID)
		case errors.Is(err, ErrConflict):
			res.Conflicts = append(res.Conflicts, syncfreq.Conflict{ID: in.ID, Reason: err.Error()})
			q.remove(ctx, in.ID)
		default:
			res.Failed++
			lastErr = err
			in.Attempts++
			in.LastErr = err.Error()
			if raw, merr := json.Marshal(in); merr == nil {
				q.store.Put(ctx, QueueTable, in.ID, raw)
			}
		}
	}

	if res.Synced == 0 && res.Failed > 0 {
		return res, lastErr
	}
	return res, nil
}

func (q *WriteQueue) remove(ctx context.Context, id string) {
	if err := q.store.Delete(ctx, QueueTable, id); err != nil {
		logging.Warn("failed to remove pushed intent", zap.String("id", id), zap.Error(err))
	}
}
