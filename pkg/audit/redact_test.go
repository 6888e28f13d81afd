package audit

import "testing"

func TestHashStringIsDeterministic(t *testing.T) {
	salt := []byte("pepper")
	a := hashString("0xuser", salt)
	b := hashString("0xuser", salt)
	if a != b {
		t.Fatalf("expected the same input and salt to hash identically, got %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected a hex-encoded sha256 digest, got length %d", len(a))
	}
}

func TestHashStringVariesWithSalt(t *testing.T) {
	a := hashString("0xuser", []byte("salt-one"))
	b := hashString("0xuser", []byte("salt-two"))
	if a == b {
		t.Fatal("expected different salts to produce different digests")
	}
}

func TestHashStringVariesWithInput(t *testing.T) {
	salt := []byte("pepper")
	a := hashString("0xuser-a", salt)
	b := hashString("0xuser-b", salt)
	if a == b {
		t.Fatal("expected different identities to produce different digests")
	}
}

func TestHashStringWithoutSaltStillHashes(t *testing.T) {
	got := hashString("0xuser", nil)
	if got == "" || got == "0xuser" {
		t.Fatalf("expected a hashed value even without a salt, got %s", got)
	}
}
