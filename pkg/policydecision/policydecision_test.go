package policydecision

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"aegis/pkg/models"
	"aegis/pkg/reservation"
	"aegis/pkg/rpctypes"
)

func u256(v uint64) *uint256.Int {
	return new(uint256.Int).SetUint64(v)
}

func TestDecidePolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy models.Policy
		allow  bool
		reason string
	}{
		{"unregistered", models.Policy{Exists: false}, false, ReasonNoPolicy},
		{"killed", models.Policy{Exists: true, IsActive: false}, false, ReasonKillSwitch},
		{"active", models.Policy{Exists: true, IsActive: true}, true, ReasonOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := DecidePolicy(c.policy)
			if v.Allow != c.allow || v.Reason != c.reason {
				t.Fatalf("got %+v, want allow=%v reason=%s", v, c.allow, c.reason)
			}
			if !v.Allow && v.Code != rpctypes.CodePolicyDenial {
				t.Fatalf("expected policy denial code, got %d", v.Code)
			}
		})
	}
}

func TestDecideOnChainHeadroom(t *testing.T) {
	policy := models.Policy{DailyLimit: u256(100), CurrentSpendOnChain: u256(90)}
	if v := DecideOnChainHeadroom(policy, u256(10)); !v.Allow {
		t.Fatalf("expected exact headroom to admit, got %+v", v)
	}
	if v := DecideOnChainHeadroom(policy, u256(11)); v.Allow || v.Reason != ReasonOnChainLimit {
		t.Fatalf("expected one-over-headroom to deny, got %+v", v)
	}
}

func TestDecideReservationOutcome(t *testing.T) {
	if v := DecideReservationOutcome(nil, false, false); !v.Allow {
		t.Fatal("expected nil error to allow")
	}
	if v := DecideReservationOutcome(reservation.ErrLimitExceeded, true, false); v.Allow || v.Reason != ReasonOffChainLimit {
		t.Fatalf("expected offchain limit denial, got %+v", v)
	}
	if v := DecideReservationOutcome(reservation.ErrRetriesExhausted, false, true); v.Allow || v.Code != rpctypes.CodeInternal || v.Reason != ReasonReserveRetries {
		t.Fatalf("expected retries-exhausted internal denial, got %+v", v)
	}
	if v := DecideReservationOutcome(errors.New("boom"), false, false); v.Allow || v.Code != rpctypes.CodeInternal || v.Reason != ReasonReserveRetries {
		t.Fatalf("expected an unclassified reservation failure to map to RESERVE_FAILED like retries-exhausted, got %+v", v)
	}
}
