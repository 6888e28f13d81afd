package rpctypes

import (
	"encoding/json"
	"testing"
)

func TestNewErrorResponsePreservesID(t *testing.T) {
	id := json.RawMessage(`7`)
	resp := NewErrorResponse(id, CodePolicyDenial, "Aegis: KILL_SWITCH", "KILL_SWITCH", nil)
	if string(resp.ID) != "7" {
		t.Fatalf("expected id preserved, got %s", resp.ID)
	}
	if resp.Error.Code != CodePolicyDenial {
		t.Fatalf("unexpected code: %d", resp.Error.Code)
	}
	data, ok := resp.Error.Data.(ErrorData)
	if !ok || data.Reason != "KILL_SWITCH" {
		t.Fatalf("unexpected error data: %#v", resp.Error.Data)
	}
}

func TestNewErrorResponseNullsMissingID(t *testing.T) {
	resp := NewErrorResponse(nil, CodeMalformedRequest, "MalformedRequest", "missing method", nil)
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
}

func TestRawRequestHasMethod(t *testing.T) {
	if (RawRequest{}).HasMethod() {
		t.Fatal("expected empty method to report false")
	}
	if !(RawRequest{Method: "eth_call"}).HasMethod() {
		t.Fatal("expected populated method to report true")
	}
}

func TestInterceptable(t *testing.T) {
	if !Interceptable(MethodSendTransaction) {
		t.Fatal("expected send-transaction to be interceptable")
	}
	if !Interceptable(MethodSendRawTransaction) {
		t.Fatal("expected send-raw-transaction to be interceptable")
	}
	if Interceptable("eth_call") {
		t.Fatal("expected eth_call to forward transparently")
	}
}
