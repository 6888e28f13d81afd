// Package anchor drains the pending queue and submits recordSpend
// transactions against the on-chain registry, one (user, agent) key at
// a time, guarded by a cluster-wide singleton lock so at most one
// anchor pass runs at once.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/pkg/bigutil"
	"aegis/pkg/chain"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/pendingqueue"
)

const (
	lockKey       = "anchor:lock"
	lockTTL       = 120 * time.Second
	interKeyDelay = 50 * time.Millisecond
)

var ErrLockHeld = errors.New("anchor: lock held by another worker")

// Mode selects how far one RunOnce pass goes. The two behaviors are
// never mixed within a single Worker instance.
const (
	ModeContinuous = "continuous"
	ModeOneShot    = "one-shot"
)

// Config carries the worker's tunables, sourced from pkg/config.
// Mode defaults to ModeContinuous for anything other than the literal
// "one-shot" (including an empty string), so an unset ANCHOR_MODE
// keeps today's drain-everything behavior.
type Config struct {
	Mode         string
	EpochSeconds int
	BatchSize    int
}

// Worker ties the pending queue, the chain client, and the metrics
// registry together into one anchoring pass.
type Worker struct {
	queue   *pendingqueue.Queue
	chain   *chain.Client
	redis   *redis.Client
	metrics *metrics.Registry
	cfg     Config
}

func New(queue *pendingqueue.Queue, chainClient *chain.Client, redisClient *redis.Client, m *metrics.Registry, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.EpochSeconds <= 0 {
		cfg.EpochSeconds = 900
	}
	if cfg.Mode != ModeOneShot {
		cfg.Mode = ModeContinuous
	}
	return &Worker{queue: queue, chain: chainClient, redis: redisClient, metrics: m, cfg: cfg}
}

// Result summarizes one anchoring pass for the admin endpoint.
type Result struct {
	Scanned   int      `json:"scanned"`
	Processed int      `json:"processed"`
	TxHashes  []string `json:"txs"`
}

// RunOnce attempts to acquire the singleton lock and, if acquired,
// drains every identity's pending queue up to the batch cap. It
// returns ErrLockHeld (not a fatal error) if another worker currently
// holds the lock.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	acquired, err := w.redis.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil {
		return Result{}, fmt.Errorf("anchor: acquire lock: %w", err)
	}
	if !acquired {
		return Result{}, ErrLockHeld
	}
	defer w.redis.Del(ctx, lockKey)

	identities, err := w.queue.ScanIdentities(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("anchor: scan identities: %w", err)
	}

	oneShot := w.cfg.Mode == ModeOneShot
	result := Result{Scanned: len(identities)}
	for i, id := range identities {
		n, hashes := w.drainIdentity(ctx, id, oneShot)
		result.Processed += n
		result.TxHashes = append(result.TxHashes, hashes...)
		if oneShot && n > 0 {
			// Caps gas spend for a demo run: stop at the very first
			// confirmed anchor instead of draining every key.
			break
		}
		if i < len(identities)-1 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(interKeyDelay):
			}
		}
	}
	return result, nil
}

// RunForever loops RunOnce on the configured epoch until ctx is
// cancelled. This is the continuous-mode path; the gateway's
// /admin/anchor/run endpoint instead calls RunOnce directly for
// one-shot mode.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.EpochSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := w.RunOnce(ctx)
			if err != nil {
				if !errors.Is(err, ErrLockHeld) {
					log.Printf("anchor: run failed: %v", err)
				}
				continue
			}
			log.Printf("anchor: pass complete scanned=%d processed=%d", result.Scanned, result.Processed)
		}
	}
}

func (w *Worker) drainIdentity(ctx context.Context, id models.Identity, oneShot bool) (int, []string) {
	records, err := w.queue.Drain(ctx, id, w.cfg.BatchSize)
	if err != nil {
		log.Printf("anchor: drain %s/%s: %v", id.User, id.Agent, err)
		return 0, nil
	}
	var (
		processed int
		hashes    []string
	)
	for i, rec := range records {
		if !isTxHash(rec.TxHash) {
			w.metrics.IncAnchorOutcome("failed")
			if fErr := w.queue.PushFailed(ctx, id, models.FailedRecord{QueueRecord: rec, Reason: "missing or malformed tx hash"}); fErr != nil {
				log.Printf("anchor: push failed record: %v", fErr)
			}
			continue
		}

		already, err := w.queue.AlreadyProcessed(ctx, id, rec.TxHash)
		if err != nil {
			log.Printf("anchor: already-processed check %s/%s tx=%s: %v", id.User, id.Agent, rec.TxHash, err)
		}
		if already {
			processed++
			hashes = append(hashes, rec.TxHash)
			if oneShot {
				for j := len(records) - 1; j > i; j-- {
					remaining := records[j]
					if rErr := w.queue.Requeue(ctx, id, remaining); rErr != nil {
						log.Printf("anchor: requeue %s/%s tx=%s: %v", id.User, id.Agent, remaining.TxHash, rErr)
					}
				}
				break
			}
			continue
		}

		state := Enqueued
		state, _ = Next(state, EventSubmit)
		hash, err := w.submit(ctx, id, rec)
		if err != nil {
			state, _ = Next(state, EventFail)
			w.metrics.IncAnchorOutcome("failed")
			log.Printf("anchor: submit %s/%s tx=%s state=%s: %v", id.User, id.Agent, rec.TxHash, state, err)
			if fErr := w.queue.PushFailed(ctx, id, models.FailedRecord{QueueRecord: rec, Reason: err.Error()}); fErr != nil {
				log.Printf("anchor: push failed record: %v", fErr)
			}
			// Stop draining this key for the rest of the pass, so a
			// systemic revert (e.g. the chain-side limit check) doesn't
			// hot-loop through the whole batch. Anything already popped
			// but not yet attempted goes back onto pending for the next
			// pass rather than being dropped. Requeue pushes onto the end
			// Drain pops from, so the newest goes back first to keep order.
			for j := len(records) - 1; j > i; j-- {
				remaining := records[j]
				if rErr := w.queue.Requeue(ctx, id, remaining); rErr != nil {
					log.Printf("anchor: requeue %s/%s tx=%s: %v", id.User, id.Agent, remaining.TxHash, rErr)
				}
			}
			break
		}
		state, _ = Next(state, EventConfirm)
		if mErr := w.queue.MarkProcessed(ctx, id, rec.TxHash); mErr != nil {
			log.Printf("anchor: mark processed %s/%s tx=%s: %v", id.User, id.Agent, rec.TxHash, mErr)
		}
		w.metrics.IncAnchorOutcome("anchored")
		processed++
		hashes = append(hashes, hash)
		if oneShot {
			for j := len(records) - 1; j > i; j-- {
				remaining := records[j]
				if rErr := w.queue.Requeue(ctx, id, remaining); rErr != nil {
					log.Printf("anchor: requeue %s/%s tx=%s: %v", id.User, id.Agent, remaining.TxHash, rErr)
				}
			}
			break
		}
	}
	return processed, hashes
}

// isTxHash reports whether s is a well-formed 32-byte hex transaction
// hash. A record lacking one never reaches submit/RecordSpend, which
// would otherwise silently zero-pad it into a bogus on-chain call.
func isTxHash(s string) bool {
	if len(s) != 66 || s[0] != '0' || s[1] != 'x' {
		return false
	}
	for _, c := range s[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func (w *Worker) submit(ctx context.Context, id models.Identity, rec models.QueueRecord) (string, error) {
	amount, err := bigutil.ParseDecimalU256(rec.AmountWei)
	if err != nil {
		return "", fmt.Errorf("anchor: parse amount: %w", err)
	}
	hash, err := w.chain.RecordSpend(ctx, id.User, id.Agent, amount, rec.TxHash)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}
