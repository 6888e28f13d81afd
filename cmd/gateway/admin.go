package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/anchor"
	"aegis/pkg/bigutil"
	"aegis/pkg/httpx"
	"aegis/pkg/models"
	"aegis/pkg/stream"
)

// handleHealth reports OK only when both the ledger and the upstream
// were reachable on this probe, per spec.md §4.6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	redisOK := s.Redis.Ping(ctx).Err() == nil

	upstreamOK := false
	if s.Config.UpstreamURL != "" {
		status, _, err := httpx.RequestJSON(ctx, s.HTTPClient, http.MethodPost, s.Config.UpstreamURL,
			[]byte(`{"jsonrpc":"2.0","id":0,"method":"net_version","params":[]}`), nil, 0, 0)
		upstreamOK = err == nil && status < 500
	}

	status := http.StatusOK
	if !redisOK || !upstreamOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, map[string]interface{}{
		"redis":    redisOK,
		"upstream": upstreamOK,
	})
}

// handlePolicy backs the policy-inspection admin endpoint: GET
// /admin/policy?user=..&agent=...
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	id := models.Identity{User: r.URL.Query().Get("user"), Agent: r.URL.Query().Get("agent")}.Normalize()
	if id.Empty() {
		httpx.Error(w, http.StatusBadRequest, "user and agent query params are required")
		return
	}
	policy, err := s.Chain.GetPolicy(r.Context(), id.User, id.Agent)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	reserved, err := s.Reserve.CurrentValue(r.Context(), id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":                  id.User,
		"agent":                 id.Agent,
		"dailyLimitWei":         bigutil.Dec(policy.DailyLimit),
		"dailyLimitEther":       bigutil.WeiToEtherFloat(policy.DailyLimit),
		"currentSpendOnChain":   bigutil.Dec(policy.CurrentSpendOnChain),
		"reservedOffChainToday": bigutil.Dec(reserved),
		"lastReset":             policy.LastReset,
		"isActive":              policy.IsActive,
		"exists":                policy.Exists,
	})
}

// handleAnchorRun is the one-shot manual trigger from spec.md §4.6:
// bearer-token guarded, 409 on a held lock, 120s hard timeout.
func (s *Server) handleAnchorRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		httpx.Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	result, err := s.AnchorWorker.RunOnce(ctx)
	if errors.Is(err, anchor.ErrLockHeld) {
		httpx.Error(w, http.StatusConflict, "anchor pass already in progress")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("anchor.run", result))
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// handleDecisions backs /admin/decisions: the most recent admission
// decisions from the Postgres audit trail, when configured.
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		httpx.Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit trail is not configured (DATABASE_URL unset)")
		return
	}
	limit := queryLimit(r, 50)
	out, err := s.Audit.ListAdmissions(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// handleAnchorAttempts backs /admin/anchor/attempts, the analogous
// history view for anchor submissions.
func (s *Server) handleAnchorAttempts(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		httpx.Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit trail is not configured (DATABASE_URL unset)")
		return
	}
	limit := queryLimit(r, 50)
	out, err := s.Audit.ListAnchorAttempts(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// handleStream upgrades /admin/stream to a websocket relaying every
// hub event: admissions, pending pushes, and anchor runs.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		httpx.Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}
	stream.ServeWS(s.Events)(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Config.AdminBearerToken == "" {
		return false
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return got != "" && got == s.Config.AdminBearerToken
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
