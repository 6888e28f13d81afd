// Package pendingqueue holds settled transactions awaiting anchoring,
// and the transactions the anchor worker gave up on. Both are plain
// Redis lists, one pair per (user, agent); replay protection rides on
// the same store.Cache used for the policy read-through cache.
package pendingqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/pkg/models"
	"aegis/pkg/store"
)

const processedTTL = 7 * 24 * time.Hour

func pendingKey(id models.Identity) string {
	return fmt.Sprintf("pending:{user:%s:agent:%s}", id.User, id.Agent)
}

func failedKey(id models.Identity) string {
	return fmt.Sprintf("failed:{user:%s:agent:%s}", id.User, id.Agent)
}

func processedKey(id models.Identity, txHash string) string {
	return fmt.Sprintf("pending:{user:%s:agent:%s}:processed:%s", id.User, id.Agent, txHash)
}

// Queue manages the pending/failed lists for one (user, agent) pair at
// a time, backed by a raw *redis.Client for list operations and a
// store.Cache for the replay-guard markers.
type Queue struct {
	client *redis.Client
	cache  store.Cache
}

func New(client *redis.Client, cache store.Cache) *Queue {
	return &Queue{client: client, cache: cache}
}

// AlreadyProcessed reports whether txHash has already been anchored for
// this identity, guarding the anchor worker against resubmitting a
// recordSpend for a record it already confirmed on a prior pass.
func (q *Queue) AlreadyProcessed(ctx context.Context, id models.Identity, txHash string) (bool, error) {
	id = id.Normalize()
	_, err := q.cache.Get(ctx, processedKey(id, txHash))
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed sets the replay-guard marker for txHash. Only the
// anchor worker calls this, and only after RecordSpend has confirmed —
// the marker means "anchored", not "admitted".
func (q *Queue) MarkProcessed(ctx context.Context, id models.Identity, txHash string) error {
	id = id.Normalize()
	return q.cache.Set(ctx, processedKey(id, txHash), "1", processedTTL)
}

// Push enqueues a settled transaction for later anchoring.
func (q *Queue) Push(ctx context.Context, id models.Identity, rec models.QueueRecord) error {
	id = id.Normalize()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pendingqueue: marshal: %w", err)
	}
	return q.client.LPush(ctx, pendingKey(id), payload).Err()
}

// PushFailed moves a record the anchor worker gave up on into the
// failed list, annotated with the reason it failed.
func (q *Queue) PushFailed(ctx context.Context, id models.Identity, rec models.FailedRecord) error {
	id = id.Normalize()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pendingqueue: marshal failed record: %w", err)
	}
	return q.client.LPush(ctx, failedKey(id), payload).Err()
}

// Drain pops up to max records off the tail of the pending list (FIFO
// relative to Push's LPUSH), for one (user, agent) pair. A record that
// was RPOP'd but doesn't unmarshal is routed straight to the failed
// queue rather than aborting the batch — it's already gone from
// pending by the time the parse fails, so dropping it outright would
// lose it silently.
func (q *Queue) Drain(ctx context.Context, id models.Identity, max int) ([]models.QueueRecord, error) {
	id = id.Normalize()
	key := pendingKey(id)
	out := make([]models.QueueRecord, 0, max)
	for i := 0; i < max; i++ {
		raw, err := q.client.RPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("pendingqueue: rpop: %w", err)
		}
		var rec models.QueueRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			failed := models.FailedRecord{Reason: "malformed queue record: " + err.Error(), RawPayload: raw}
			if fErr := q.PushFailed(ctx, id, failed); fErr != nil {
				return out, fmt.Errorf("pendingqueue: push malformed record to failed queue: %w", fErr)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Requeue pushes a record back onto the pending list, used when the
// anchor worker stops partway through a popped batch (a submit failure
// or a one-shot stop). RPUSH puts it at the tail Drain's RPOP reads
// from, so it is drained before any record pushed since.
func (q *Queue) Requeue(ctx context.Context, id models.Identity, rec models.QueueRecord) error {
	id = id.Normalize()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pendingqueue: marshal: %w", err)
	}
	return q.client.RPush(ctx, pendingKey(id), payload).Err()
}

// PendingLen and FailedLen back the admin/metrics surfaces.
func (q *Queue) PendingLen(ctx context.Context, id models.Identity) (int64, error) {
	return q.client.LLen(ctx, pendingKey(id.Normalize())).Result()
}

func (q *Queue) FailedLen(ctx context.Context, id models.Identity) (int64, error) {
	return q.client.LLen(ctx, failedKey(id.Normalize())).Result()
}

// ScanIdentities discovers all (user, agent) pairs currently holding a
// pending queue, for the anchor worker's cursor-paginated sweep. It
// uses SCAN rather than KEYS to avoid blocking Redis on a large
// keyspace.
func (q *Queue) ScanIdentities(ctx context.Context) ([]models.Identity, error) {
	var (
		cursor uint64
		out    []models.Identity
		seen   = map[string]bool{}
	)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, "pending:{user:*:agent:*}", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("pendingqueue: scan: %w", err)
		}
		for _, k := range keys {
			if seen[k] {
				continue
			}
			id, ok := parsePendingKey(k)
			if !ok {
				log.Printf("pendingqueue: rejecting malformed pending key %q during scan", k)
				continue
			}
			seen[k] = true
			out = append(out, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func parsePendingKey(key string) (models.Identity, bool) {
	const prefix, marker, suffix = "pending:{user:", ":agent:", "}"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return models.Identity{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	idx := strings.Index(body, marker)
	if idx < 0 {
		return models.Identity{}, false
	}
	user, agent := body[:idx], body[idx+len(marker):]
	if user == "" || agent == "" {
		return models.Identity{}, false
	}
	return models.Identity{User: user, Agent: agent}.Normalize(), true
}
