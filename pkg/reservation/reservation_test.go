package reservation

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"aegis/pkg/bigutil"
	"aegis/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func u(v uint64) *uint256.Int { return new(uint256.Int).SetUint64(v) }

func TestReserveAdmitsWithinLimit(t *testing.T) {
	s := newTestStore(t)
	id := models.Identity{User: "0xuser", Agent: "0xagent"}
	ctx := context.Background()

	if err := s.Reserve(ctx, id, u(10), u(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current, err := s.CurrentValue(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if bigutil.Dec(current) != "10" {
		t.Fatalf("unexpected ledger value: %s", bigutil.Dec(current))
	}
}

func TestReserveExactlyAtLimitAdmits(t *testing.T) {
	s := newTestStore(t)
	id := models.Identity{User: "0xuser", Agent: "0xagent"}
	ctx := context.Background()

	if err := s.Reserve(ctx, id, u(100), u(100)); err != nil {
		t.Fatalf("expected amount exactly at remaining quota to admit, got %v", err)
	}
}

func TestReserveOneWeiOverLimitDenies(t *testing.T) {
	s := newTestStore(t)
	id := models.Identity{User: "0xuser", Agent: "0xagent"}
	ctx := context.Background()

	if err := s.Reserve(ctx, id, u(101), u(100)); err != ErrLimitExceeded {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	current, _ := s.CurrentValue(ctx, id)
	if !current.IsZero() {
		t.Fatalf("expected a denied reserve to commit nothing, got %s", bigutil.Dec(current))
	}
}

func TestRollbackIsMonotoneAndClamped(t *testing.T) {
	s := newTestStore(t)
	id := models.Identity{User: "0xuser", Agent: "0xagent"}
	ctx := context.Background()

	if err := s.Reserve(ctx, id, u(30), u(100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx, id, u(30)); err != nil {
		t.Fatal(err)
	}
	current, _ := s.CurrentValue(ctx, id)
	if !current.IsZero() {
		t.Fatalf("expected rollback to return to pre-reserve value, got %s", bigutil.Dec(current))
	}

	// A second rollback with no matching reserve must clamp at zero, not underflow.
	if err := s.Rollback(ctx, id, u(30)); err != nil {
		t.Fatal(err)
	}
	current, _ = s.CurrentValue(ctx, id)
	if !current.IsZero() {
		t.Fatalf("expected double rollback to stay clamped at zero, got %s", bigutil.Dec(current))
	}
}

func TestConcurrentReservesNeverExceedLimit(t *testing.T) {
	s := newTestStore(t)
	id := models.Identity{User: "0xuser", Agent: "0xagent"}
	ctx := context.Background()
	limit := u(50)

	var wg sync.WaitGroup
	admitted := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := s.Reserve(ctx, id, u(10), limit)
			admitted[idx] = err == nil
		}(i)
	}
	wg.Wait()

	var admittedCount int
	for _, ok := range admitted {
		if ok {
			admittedCount++
		}
	}
	current, err := s.CurrentValue(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if bigutil.Dec(current) != u(uint64(admittedCount)*10).Dec() {
		t.Fatalf("ledger value %s does not match admitted sum %d*10", bigutil.Dec(current), admittedCount)
	}
	if current.Cmp(limit) > 0 {
		t.Fatalf("ledger value %s exceeds limit %s", bigutil.Dec(current), bigutil.Dec(limit))
	}
}
