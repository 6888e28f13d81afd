package models

import "strings"

// Identity is the (user, agent) pair that keys a policy and a day-bucket
// ledger entry. Both fields are normalized to lowercase hex.
type Identity struct {
	User  string
	Agent string
}

// Normalize lowercases both addresses, matching the spec's "preserve
// case by lowercasing before key use" tie-break rule.
func (id Identity) Normalize() Identity {
	return Identity{
		User:  strings.ToLower(strings.TrimSpace(id.User)),
		Agent: strings.ToLower(strings.TrimSpace(id.Agent)),
	}
}

func (id Identity) Empty() bool {
	return id.User == "" || id.Agent == ""
}
