// Package models holds the wire and ledger record shapes shared across
// the gateway and anchor worker.
package models

import "github.com/holiman/uint256"

// Policy mirrors the on-chain registry tuple for one (user, agent) pair.
// It is read-only from the firewall's perspective; this system never
// mutates it directly.
type Policy struct {
	DailyLimit          *uint256.Int
	CurrentSpendOnChain  *uint256.Int
	LastReset           uint64
	IsActive            bool
	Exists              bool
}

// Admitted reports whether the policy allows any spend at all, ignoring
// amount. A kill-switched or unregistered policy admits nothing.
func (p Policy) Admitted() bool {
	return p.Exists && p.IsActive
}
