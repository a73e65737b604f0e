package utils

import (
	"testing"
	"time"
)

func TestContentHash_KeyOrderInsensitive(t *testing.T) {
	a := []byte(`{"displayName":"Acme","id":"cust-1"}`)
	b := []byte(`{"id":"cust-1","displayName":"Acme"}`)

	ha, err := ContentHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := ContentHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("reordered keys changed hash: %s vs %s", ha, hb)
	}
}

func TestContentHash_ValueChangeChangesHash(t *testing.T) {
	ha, _ := ContentHash([]byte(`{"id":"cust-1","displayName":"Acme"}`))
	hb, _ := ContentHash([]byte(`{"id":"cust-1","displayName":"Acme Ltd"}`))
	if ha == hb {
		t.Fatal("different content must hash differently")
	}
}

func TestContentHash_RejectsInvalidJSON(t *testing.T) {
	if _, err := ContentHash([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestEncryptDecryptSecret_RoundTrip(t *testing.T) {
	plain := "super-secret-refresh-token"
	enc, err := EncryptSecret(plain)
	if err != nil {
		t.Fatal(err)
	}
	if enc == plain {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := DecryptSecret(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != plain {
		t.Fatalf("round trip = %q", dec)
	}
}

func TestEncryptSecret_NoncesDiffer(t *testing.T) {
	a, _ := EncryptSecret("same")
	b, _ := EncryptSecret("same")
	if a == b {
		t.Fatal("two encryptions of the same value must not be identical")
	}
}

func TestDecryptSecret_RejectsTampering(t *testing.T) {
	if _, err := DecryptSecret("bm90LXJlYWwtY2lwaGVydGV4dC1sb25nLWVub3VnaC10by1wYXJzZQ=="); err == nil {
		t.Fatal("expected decryption failure for garbage ciphertext")
	}
	if out, err := DecryptSecret(""); err != nil || out != "" {
		t.Fatalf("empty ciphertext: %q %v", out, err)
	}
}

func TestJwtGenerateValidate_RoundTrip(t *testing.T) {
	token, err := JwtGenerate("tenant-1", 42, "admin")
	if err != nil {
		t.Fatal(err)
	}
	validated, err := JwtValidate(token)
	if err != nil || !validated.Valid {
		t.Fatalf("validate: %v", err)
	}
	claim, ok := validated.Claims.(*JwtCustomClaim)
	if !ok {
		t.Fatalf("claims type %T", validated.Claims)
	}
	if claim.TenantId != "tenant-1" || claim.UserId != 42 || claim.Role != "admin" {
		t.Fatalf("claim = %+v", claim)
	}
}

func TestJwtValidate_RejectsGarbage(t *testing.T) {
	if _, err := JwtValidate("not.a.token"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Setenv("DEFAULT_PHONE_REGION", "US")
	if got := NormalizePhone("(415) 555-2671"); got != "+14155552671" {
		t.Errorf("US national format: %q", got)
	}
	if got := NormalizePhone("+65 6123 4567"); got != "+6561234567" {
		t.Errorf("already international: %q", got)
	}
	if got := NormalizePhone("  not-a-number "); got != "not-a-number" {
		t.Errorf("unparseable input passes through trimmed: %q", got)
	}
}

func TestSecondsFromEnv(t *testing.T) {
	t.Setenv("TEST_SECONDS", "90")
	if got := SecondsFromEnv("TEST_SECONDS", time.Second); got != 90*time.Second {
		t.Errorf("got %v", got)
	}
	if got := SecondsFromEnv("TEST_SECONDS_UNSET", 7*time.Second); got != 7*time.Second {
		t.Errorf("default: %v", got)
	}
	t.Setenv("TEST_SECONDS_BAD", "-3")
	if got := SecondsFromEnv("TEST_SECONDS_BAD", 7*time.Second); got != 7*time.Second {
		t.Errorf("non-positive falls back: %v", got)
	}
}
