package auth

import "testing"

func TestServiceKeyVerifier_MatchesConfiguredKey(t *testing.T) {
	hash, err := HashSecret("s3cret-key-for-ingest-bot")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	v := NewServiceKeyVerifier(map[string]string{"ingest-bot": hash})

	name, ok := v.Verify("s3cret-key-for-ingest-bot")
	if !ok {
		t.Fatal("expected match")
	}
	if name != "ingest-bot" {
		t.Errorf("name = %q, want ingest-bot", name)
	}
}

func TestServiceKeyVerifier_RejectsWrongKey(t *testing.T) {
	hash, err := HashSecret("the-real-secret")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	v := NewServiceKeyVerifier(map[string]string{"ingest-bot": hash})

	if _, ok := v.Verify("not-the-real-secret"); ok {
		t.Error("expected no match")
	}
}

func TestServiceKeyVerifier_EmptyAllowlistAlwaysFails(t *testing.T) {
	v := NewServiceKeyVerifier(nil)
	if _, ok := v.Verify("anything"); ok {
		t.Error("expected no match with an empty allowlist")
	}
}

func TestServiceKeyVerifier_NilReceiverFailsClosed(t *testing.T) {
	var v *ServiceKeyVerifier
	if _, ok := v.Verify("anything"); ok {
		t.Error("expected nil verifier to reject every key")
	}
}

func TestServiceKeyVerifier_BlankKeyRejected(t *testing.T) {
	hash, err := HashSecret("")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	v := NewServiceKeyVerifier(map[string]string{"empty-secret-service": hash})
	if _, ok := v.Verify(""); ok {
		t.Error("a blank credential must never authenticate, even if a hash of the empty string is configured")
	}
}
