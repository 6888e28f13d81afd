package anchor

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{Enqueued, InFlight, true},
		{Enqueued, Anchored, false},
		{InFlight, Anchored, true},
		{InFlight, Failed, true},
		{Failed, InFlight, true},
		{Anchored, InFlight, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestNext(t *testing.T) {
	state, err := Next(Enqueued, EventSubmit)
	if err != nil || state != InFlight {
		t.Fatalf("expected submit to move to in-flight, got %s %v", state, err)
	}
	state, err = Next(state, EventConfirm)
	if err != nil || state != Anchored {
		t.Fatalf("expected confirm to anchor, got %s %v", state, err)
	}
	if _, err := Next(state, EventRetry); err == nil {
		t.Fatal("expected retry from a terminal anchored state to fail")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(Anchored) {
		t.Fatal("expected anchored to be terminal")
	}
	if IsTerminal(Failed) {
		t.Fatal("failed is recoverable via retry, not terminal")
	}
	if IsTerminal(Enqueued) || IsTerminal(InFlight) {
		t.Fatal("expected enqueued/in-flight to be non-terminal")
	}
}

func TestTransitionInvalid(t *testing.T) {
	if _, err := Transition(Enqueued, Anchored); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
