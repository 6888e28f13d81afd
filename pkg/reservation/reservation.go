// Package reservation implements the off-chain daily spend ledger: an
// atomic, day-bucketed increment/decrement on Redis, guarding the
// latency gap between admission and on-chain anchoring.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"aegis/pkg/bigutil"
	"aegis/pkg/models"
)

const (
	keyTTL     = 72 * time.Hour
	maxRetries = 6
)

// Errors match the taxonomy in spec.md §4.3/§7. Callers branch on these
// to pick the right JSON-RPC error code.
var (
	ErrLimitExceeded   = errors.New("LIMIT_EXCEEDED_OFFCHAIN_RESERVE")
	ErrRetriesExhausted = errors.New("RESERVE_FAILED_RETRIES")
)

// Store is backed by Redis and uses optimistic concurrency (WATCH) to
// serialize concurrent reserve/rollback calls at key granularity.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func ledgerKey(id models.Identity, day string) string {
	return fmt.Sprintf("spend:{user:%s:agent:%s}:%s", id.User, id.Agent, day)
}

// UTCDay returns the yyyy-mm-dd bucket for now, in UTC. A new bucket
// implicitly zeroes the counter — the old key is left to expire.
func UTCDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Reserve admits amount against dailyLimit for (user, agent)'s current
// day bucket. It is a CAS loop: watch, read, compute, commit-if-unchanged,
// retry on conflict, bounded by maxRetries.
//
// Safety invariant: no interleaving of concurrent Reserve calls can
// commit a value whose sum exceeds dailyLimit within the same bucket.
func (s *Store) Reserve(ctx context.Context, id models.Identity, amount, dailyLimit *uint256.Int) error {
	id = id.Normalize()
	key := ledgerKey(id, UTCDay(time.Now()))
	for attempt := 0; attempt < maxRetries; attempt++ {
		var limitHit bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readCurrent(ctx, tx, key)
			if err != nil {
				return err
			}
			newVal := bigutil.Add(current, amount)
			if bigutil.GreaterThan(newVal, dailyLimit) {
				limitHit = true
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, bigutil.Dec(newVal), keyTTL)
				return nil
			})
			return err
		}, key)
		if limitHit {
			return ErrLimitExceeded
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // optimistic lock lost the race; retry
		}
		return fmt.Errorf("reservation: reserve: %w", err)
	}
	return ErrRetriesExhausted
}

// Rollback decrements the day bucket by amount, clamped to zero. It is
// used on forward failure or upstream error, and is best-effort safe to
// call more than once (monotone: never goes below zero).
func (s *Store) Rollback(ctx context.Context, id models.Identity, amount *uint256.Int) error {
	id = id.Normalize()
	key := ledgerKey(id, UTCDay(time.Now()))
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readCurrent(ctx, tx, key)
			if err != nil {
				return err
			}
			newVal := bigutil.SubClamped(current, amount)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, bigutil.Dec(newVal), keyTTL)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("reservation: rollback: %w", err)
	}
	return ErrRetriesExhausted
}

// CurrentValue reads the current day-bucket value without mutating it,
// used by the admin policy-inspection endpoint.
func (s *Store) CurrentValue(ctx context.Context, id models.Identity) (*uint256.Int, error) {
	id = id.Normalize()
	key := ledgerKey(id, UTCDay(time.Now()))
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return bigutil.ZeroU256(), nil
	}
	if err != nil {
		return nil, err
	}
	return bigutil.ParseDecimalU256(val)
}

func readCurrent(ctx context.Context, tx *redis.Tx, key string) (*uint256.Int, error) {
	val, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return bigutil.ZeroU256(), nil
	}
	if err != nil {
		return nil, err
	}
	return bigutil.ParseDecimalU256(val)
}
