package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"aegis/pkg/audit"
	"aegis/pkg/bigutil"
	"aegis/pkg/chain"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/models"
	"aegis/pkg/policydecision"
	"aegis/pkg/reservation"
	"aegis/pkg/rpctypes"
	"aegis/pkg/stream"
	"aegis/pkg/txdecode"
)

const policyCacheTTL = 2 * time.Second

// handleRPC is the firewall's single data-plane entrypoint: POST /rpc.
// The body is either one JSON-RPC object or a batch array; both are
// handled, preserving input order on the way out.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, s.Config.MaxBodyBytes))
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	body = bytesTrimSpace(body)

	var resp interface{}
	if len(body) > 0 && body[0] == '[' {
		var raws []rpctypes.RawRequest
		if err := json.Unmarshal(body, &raws); err != nil {
			httpx.WriteJSON(w, http.StatusOK, rpctypes.NewErrorResponse(nil, rpctypes.CodeMalformedRequest, "MalformedRequest", "batch is not a valid JSON array", nil))
			s.Metrics.Observe("/rpc", http.StatusOK, time.Since(start))
			return
		}
		out := make([]rpctypes.Response, len(raws))
		for i, raw := range raws {
			out[i] = s.handleOne(r.Context(), r.Header, raw)
		}
		resp = out
	} else {
		var raw rpctypes.RawRequest
		if err := json.Unmarshal(body, &raw); err != nil {
			httpx.WriteJSON(w, http.StatusOK, rpctypes.NewErrorResponse(nil, rpctypes.CodeMalformedRequest, "MalformedRequest", "request is not valid JSON", nil))
			s.Metrics.Observe("/rpc", http.StatusOK, time.Since(start))
			return
		}
		resp = s.handleOne(r.Context(), r.Header, raw)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
	s.Metrics.Observe("/rpc", http.StatusOK, time.Since(start))
}

func bytesTrimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// handleOne runs one JSON-RPC call through the interception decision
// and, if applicable, the full policy pipeline.
func (s *Server) handleOne(ctx context.Context, headers http.Header, raw rpctypes.RawRequest) rpctypes.Response {
	if !raw.HasMethod() {
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeMalformedRequest, "MalformedRequest", "missing method", nil)
	}
	if !rpctypes.Interceptable(raw.Method) {
		return s.forwardVerbatim(ctx, raw)
	}

	extracted, parseErr := decodeTx(raw.Method, raw.Params)
	if parseErr != nil {
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeParseFailure, "ParseFailure", parseErr.Error(), nil)
	}
	if extracted.ValueWei == nil || extracted.ValueWei.IsZero() {
		return s.forwardVerbatim(ctx, raw)
	}

	id := identity.Resolve(headers, identity.ParsedTx{From: extracted.From}, identity.Defaults{
		User:  s.Config.DefaultUser,
		Agent: s.Config.DefaultAgent,
	})
	return s.runPolicyPipeline(ctx, raw, id, extracted)
}

func decodeTx(method string, params json.RawMessage) (txdecode.Extracted, error) {
	switch method {
	case rpctypes.MethodSendTransaction:
		return txdecode.FromStructuredParams(params)
	case rpctypes.MethodSendRawTransaction:
		return txdecode.FromRawParams(params)
	default:
		return txdecode.Extracted{}, fmt.Errorf("%w: unsupported method %s", txdecode.ErrMalformed, method)
	}
}

// runPolicyPipeline implements spec.md §4.1's sequential, fail-closed
// policy pipeline for one value-bearing transaction.
func (s *Server) runPolicyPipeline(ctx context.Context, raw rpctypes.RawRequest, id models.Identity, tx txdecode.Extracted) rpctypes.Response {
	start := time.Now()

	policy, err := s.cachedPolicy(ctx, id)
	if err != nil {
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, policydecision.ReasonPolicyReadFailed, start)
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeInternal, "PolicyRead", err.Error(), nil)
	}

	if v := policydecision.DecidePolicy(policy); !v.Allow {
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, v.Reason, start)
		return rpctypes.NewErrorResponse(raw.ID, v.Code, "Aegis: "+v.Reason, v.Reason, nil)
	}

	reserveErr := s.Reserve.Reserve(ctx, id, tx.ValueWei, policy.DailyLimit)
	if reserveErr != nil {
		limitExceeded := errors.Is(reserveErr, reservation.ErrLimitExceeded)
		retriesExhausted := errors.Is(reserveErr, reservation.ErrRetriesExhausted)
		v := policydecision.DecideReservationOutcome(reserveErr, limitExceeded, retriesExhausted)
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, v.Reason, start)
		return rpctypes.NewErrorResponse(raw.ID, v.Code, "Aegis: "+v.Reason, v.Reason, nil)
	}

	status, body, fwdErr := s.forward(ctx, raw)
	if fwdErr != nil {
		s.rollback(ctx, id, tx.ValueWei)
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, "FORWARD_FAILED", start)
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeForwardFailure, "Aegis: FORWARD_FAILED", fwdErr.Error(), nil)
	}

	var upstream rpctypes.Response
	if err := json.Unmarshal(body, &upstream); err != nil {
		s.rollback(ctx, id, tx.ValueWei)
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, "FORWARD_FAILED", start)
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeForwardFailure, "Aegis: FORWARD_FAILED", "upstream returned non-JSON-RPC body", nil)
	}
	_ = status

	if upstream.Error != nil {
		s.rollback(ctx, id, tx.ValueWei)
		s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictDeny, "UPSTREAM_ERROR", start)
		return upstream
	}

	s.enqueueSettled(ctx, id, tx, upstream.Result)
	s.recordAdmission(ctx, id, raw.Method, tx.ValueWei, policydecision.VerdictAllow, policydecision.ReasonOK, start)
	return upstream
}

func (s *Server) rollback(ctx context.Context, id models.Identity, amount *uint256.Int) {
	if err := s.Reserve.Rollback(ctx, id, amount); err != nil {
		log.Printf("gateway: rollback %s/%s: %v", id.User, id.Agent, err)
	}
}

// enqueueSettled extracts a tx hash from the upstream response (either
// the result itself, or the first 32-byte hex substring within it) and
// pushes a pending record, per spec.md §4.1 step 5.
func (s *Server) enqueueSettled(ctx context.Context, id models.Identity, tx txdecode.Extracted, result json.RawMessage) {
	hash := extractTxHash(result)
	if hash == "" {
		hash = tx.TxHashHex
	}
	rec := models.QueueRecord{
		TxHash:      hash,
		AmountWei:   bigutil.Dec(tx.ValueWei),
		TimestampMs: time.Now().UnixMilli(),
	}
	if err := s.Queue.Push(ctx, id, rec); err != nil {
		log.Printf("gateway: push pending %s/%s: %v", id.User, id.Agent, err)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("pending.push", rec))
	}
}

func extractTxHash(result json.RawMessage) string {
	s := strings.Trim(string(result), `"`)
	if isTxHash(s) {
		return strings.ToLower(s)
	}
	raw := string(result)
	for i := 0; i+66 <= len(raw); i++ {
		if candidate := raw[i : i+66]; isTxHash(candidate) {
			return strings.ToLower(candidate)
		}
	}
	return ""
}

func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	for _, c := range s[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// forwardVerbatim forwards a non-intercepted or zero-value call to
// upstream and returns its response byte-equivalent, per spec.md §4.1
// step 2 and the round-trip testable property.
func (s *Server) forwardVerbatim(ctx context.Context, raw rpctypes.RawRequest) rpctypes.Response {
	status, body, err := s.forward(ctx, raw)
	if err != nil {
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeForwardFailure, "Aegis: FORWARD_FAILED", err.Error(), nil)
	}
	var resp rpctypes.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return rpctypes.NewErrorResponse(raw.ID, rpctypes.CodeForwardFailure, "Aegis: FORWARD_FAILED", fmt.Sprintf("upstream status %d: non-JSON-RPC body", status), nil)
	}
	return resp
}

func (s *Server) forward(ctx context.Context, raw rpctypes.RawRequest) (int, []byte, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return 0, nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout())
	defer cancel()
	return httpx.RequestJSON(fctx, s.HTTPClient, http.MethodPost, s.Config.UpstreamURL, payload, nil, 1, 200*time.Millisecond)
}

// cachedPolicy reads the registry through a short read-through cache,
// per spec.md §4.2's "may cache for ≤ 2 seconds" allowance.
func (s *Server) cachedPolicy(ctx context.Context, id models.Identity) (models.Policy, error) {
	key := "policy-cache:{user:" + id.User + ":agent:" + id.Agent + "}"
	if cached, err := s.Cache.Get(ctx, key); err == nil {
		var p cachedPolicyTuple
		if jsonErr := json.Unmarshal([]byte(cached), &p); jsonErr == nil {
			return p.toPolicy(), nil
		}
	}
	policy, err := s.Chain.GetPolicy(ctx, id.User, id.Agent)
	if err != nil {
		return models.Policy{}, fmt.Errorf("%w: %v", chain.ErrPolicyRead, err)
	}
	if payload, jsonErr := json.Marshal(fromPolicy(policy)); jsonErr == nil {
		_ = s.Cache.Set(ctx, key, string(payload), policyCacheTTL)
	}
	return policy, nil
}

// cachedPolicyTuple is the JSON shape held in the policy read-through
// cache; uint256 fields are carried as decimal strings so the cache
// never narrows the 256-bit arithmetic the pipeline depends on.
type cachedPolicyTuple struct {
	DailyLimit          string `json:"dailyLimit"`
	CurrentSpendOnChain string `json:"currentSpend"`
	LastReset           uint64 `json:"lastReset"`
	IsActive            bool   `json:"isActive"`
	Exists              bool   `json:"exists"`
}

func fromPolicy(p models.Policy) cachedPolicyTuple {
	return cachedPolicyTuple{
		DailyLimit:          bigutil.Dec(p.DailyLimit),
		CurrentSpendOnChain: bigutil.Dec(p.CurrentSpendOnChain),
		LastReset:           p.LastReset,
		IsActive:            p.IsActive,
		Exists:              p.Exists,
	}
}

func (p cachedPolicyTuple) toPolicy() models.Policy {
	dl, err1 := bigutil.ParseDecimalU256(p.DailyLimit)
	cs, err2 := bigutil.ParseDecimalU256(p.CurrentSpendOnChain)
	if err1 != nil {
		dl = bigutil.ZeroU256()
	}
	if err2 != nil {
		cs = bigutil.ZeroU256()
	}
	return models.Policy{
		DailyLimit:          dl,
		CurrentSpendOnChain: cs,
		LastReset:           p.LastReset,
		IsActive:            p.IsActive,
		Exists:              p.Exists,
	}
}

// recordAdmission is the single place every admission decision's
// observable side effects land: metrics, the audit trail, the event
// bus, and one structured log line, per spec.md §7's observability
// requirement.
func (s *Server) recordAdmission(ctx context.Context, id models.Identity, method string, amount *uint256.Int, verdict, reason string, start time.Time) {
	s.Metrics.IncAdmission(verdict, reason)
	amountWei := "0"
	if amount != nil {
		amountWei = bigutil.Dec(amount)
	}
	log.Printf("admission user=%s agent=%s method=%s value_wei=%s outcome=%s|%s duration=%s",
		id.User, id.Agent, method, amountWei, verdict, reason, time.Since(start))

	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("admission", map[string]interface{}{
			"user": id.User, "agent": id.Agent, "method": method,
			"amount_wei": amountWei, "verdict": verdict, "reason": reason,
		}))
	}
	if s.Publisher != nil {
		_ = s.Publisher.Publish(ctx, id.User+":"+id.Agent, map[string]interface{}{
			"kind": "admission", "user": id.User, "agent": id.Agent, "verdict": verdict,
			"reason": reason, "amount_wei": amountWei, "timestamp_ms": time.Now().UnixMilli(),
		})
	}
	if s.Audit != nil {
		rec := audit.AdmissionRecord{
			DecisionID: uuid.NewString(),
			User:       id.User,
			Agent:      id.Agent,
			Method:     method,
			AmountWei:  amountWei,
			Verdict:    verdict,
			ReasonCode: reason,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.Audit.AppendAdmission(ctx, rec); err != nil {
			log.Printf("gateway: audit append: %v", err)
		}
	}
}
