// Package identity resolves the (user, agent) pair for one request. The
// resolver is a pure function, testable in isolation from HTTP and
// transaction-parsing concerns, per the spec's design note on dynamic
// identity resolution.
package identity

import (
	"net/http"
	"strings"

	"aegis/pkg/models"
)

const (
	HeaderUser  = "x-aegis-user"
	HeaderAgent = "x-aegis-agent"
)

// ParsedTx carries the subset of a decoded transaction identity
// resolution cares about.
type ParsedTx struct {
	From string
}

// Defaults carries the configured fallback identity.
type Defaults struct {
	User  string
	Agent string
}

// Resolve applies the spec's priority order: explicit headers, then the
// transaction's from field, then configured defaults. The agent side
// has no analogue on a transaction (a tx has no "agent" field), so the
// agent is always either the header or the default.
func Resolve(headers http.Header, tx ParsedTx, defaults Defaults) models.Identity {
	user := strings.TrimSpace(headers.Get(HeaderUser))
	if user == "" {
		user = strings.TrimSpace(tx.From)
	}
	if user == "" {
		user = defaults.User
	}
	agent := strings.TrimSpace(headers.Get(HeaderAgent))
	if agent == "" {
		agent = defaults.Agent
	}
	return models.Identity{User: user, Agent: agent}.Normalize()
}
