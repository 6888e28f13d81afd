// Package policydecision is the pure heart of the policy pipeline:
// functions from (policy, reservation outcome, amount) to a
// verdict and the application error code/reason to report. It has no
// dependency on Redis, HTTP, or the chain client, so the admission
// logic is tested in complete isolation from its transports.
package policydecision

import (
	"github.com/holiman/uint256"

	"aegis/pkg/models"
	"aegis/pkg/rpctypes"
)

const (
	VerdictAllow = "ALLOW"
	VerdictDeny  = "DENY"
)

// Reason codes surfaced in the JSON-RPC error's data.reason field.
// These are caller-facing and must stay exactly these literals; the
// reservation store's own internal failure identifiers (e.g.
// reservation.ErrLimitExceeded) are a separate, finer-grained
// vocabulary used for logging, not for what the caller sees.
const (
	ReasonOK               = "OK"
	ReasonNoPolicy         = "NO_POLICY"
	ReasonKillSwitch       = "KILL_SWITCH"
	ReasonOnChainLimit     = "LIMIT_EXCEEDED"
	ReasonOffChainLimit    = "LIMIT_EXCEEDED"
	ReasonReserveRetries   = "RESERVE_FAILED"
	ReasonPolicyReadFailed = "POLICY_READ_FAILED"
	ReasonMalformedTx      = "MALFORMED_TRANSACTION"
)

// Verdict is the outcome of one admission decision: whether to forward
// the call upstream, and if not, the JSON-RPC error code/reason pair
// to report back to the caller.
type Verdict struct {
	Allow  bool
	Code   int
	Reason string
}

func deny(code int, reason string) Verdict {
	return Verdict{Allow: false, Code: code, Reason: reason}
}

func allow() Verdict {
	return Verdict{Allow: true, Reason: ReasonOK}
}

// DecidePolicy evaluates the on-chain policy tuple alone, before any
// off-chain reservation is attempted. It never needs the transfer
// amount — a dead or missing policy is rejected regardless of size.
func DecidePolicy(policy models.Policy) Verdict {
	if !policy.Exists {
		return deny(rpctypes.CodePolicyDenial, ReasonNoPolicy)
	}
	if !policy.IsActive {
		return deny(rpctypes.CodePolicyDenial, ReasonKillSwitch)
	}
	return allow()
}

// DecideOnChainHeadroom checks the transfer amount against the
// on-chain daily limit, using the on-chain spend counter as the base —
// this is the coarse, eventually-consistent check; the off-chain
// reservation store enforces the same limit with tight atomicity.
func DecideOnChainHeadroom(policy models.Policy, amount *uint256.Int) Verdict {
	projected := new(uint256.Int).Add(policy.CurrentSpendOnChain, amount)
	if projected.Cmp(policy.DailyLimit) > 0 {
		return deny(rpctypes.CodePolicyDenial, ReasonOnChainLimit)
	}
	return allow()
}

// DecideReservationOutcome maps a reservation store error to the
// application error code/reason the gateway reports. A nil err means
// the reservation committed and the call should be forwarded.
func DecideReservationOutcome(err error, limitExceeded, retriesExhausted bool) Verdict {
	if err == nil {
		return allow()
	}
	switch {
	case limitExceeded:
		return deny(rpctypes.CodePolicyDenial, ReasonOffChainLimit)
	case retriesExhausted:
		return deny(rpctypes.CodeInternal, ReasonReserveRetries)
	default:
		// Any other reservation failure (Redis down, a script error) is
		// reported the same as a retries-exhausted failure: the caller
		// can't act differently on the distinction, so it gets the same
		// reason code rather than a separate POLICY_READ_FAILED literal.
		return deny(rpctypes.CodeInternal, ReasonReserveRetries)
	}
}
