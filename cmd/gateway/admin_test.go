package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"aegis/pkg/config"
)

func TestAuthorizedFailsClosedWhenTokenUnset(t *testing.T) {
	s := &Server{Config: config.Config{AdminBearerToken: ""}}
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	r.Header.Set("Authorization", "Bearer anything")
	if s.authorized(r) {
		t.Fatal("expected no configured token to fail closed")
	}
}

func TestAuthorizedRejectsWrongToken(t *testing.T) {
	s := &Server{Config: config.Config{AdminBearerToken: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if s.authorized(r) {
		t.Fatal("expected a mismatched token to be rejected")
	}
}

func TestAuthorizedAcceptsMatchingBearerToken(t *testing.T) {
	s := &Server{Config: config.Config{AdminBearerToken: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	r.Header.Set("Authorization", "Bearer secret")
	if !s.authorized(r) {
		t.Fatal("expected a matching bearer token to authorize")
	}
}

func TestHandleDecisionsReturnsNotImplementedWithoutAudit(t *testing.T) {
	s := &Server{Config: config.Config{AdminBearerToken: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()

	s.handleDecisions(w, r)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 when no audit writer is configured, got %d", w.Code)
	}
}

func TestHandleDecisionsRejectsUnauthorized(t *testing.T) {
	s := &Server{Config: config.Config{AdminBearerToken: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	w := httptest.NewRecorder()

	s.handleDecisions(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", w.Code)
	}
}

func TestQueryLimitDefaultsWhenAbsentOrInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	if got := queryLimit(r, 50); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/decisions?limit=0", nil)
	if got := queryLimit(r, 50); got != 50 {
		t.Fatalf("expected non-positive limit to fall back to default, got %d", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/decisions?limit=not-a-number", nil)
	if got := queryLimit(r, 50); got != 50 {
		t.Fatalf("expected unparseable limit to fall back to default, got %d", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/decisions?limit=7", nil)
	if got := queryLimit(r, 50); got != 7 {
		t.Fatalf("expected explicit limit to apply, got %d", got)
	}
}
