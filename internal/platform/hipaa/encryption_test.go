package hipaa

import (
	"strings"
	"testing"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey())
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}

	plaintext := "epic-client-secret-value"
	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == plaintext {
		t.Error("expected ciphertext to differ from plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != plaintext {
		t.Errorf("expected %q, got %q", plaintext, opened)
	}
}

func TestSecretBox_NonceUnique(t *testing.T) {
	box, _ := NewSecretBox(testKey())
	a, _ := box.Seal("same value")
	b, _ := box.Seal("same value")
	if a == b {
		t.Error("expected distinct ciphertexts for identical plaintexts")
	}
}

func TestSecretBox_InvalidKeyLength(t *testing.T) {
	if _, err := NewSecretBox([]byte("short")); err == nil {
		t.Error("expected error for non-32-byte key")
	}
}

func TestSecretBox_NilPassthrough(t *testing.T) {
	box, err := NewSecretBox(nil)
	if err != nil {
		t.Fatalf("NewSecretBox(nil): %v", err)
	}
	if box != nil {
		t.Fatal("expected nil box when no key is configured")
	}

	sealed, err := box.Seal("plain")
	if err != nil || sealed != "plain" {
		t.Errorf("expected passthrough seal, got %q, %v", sealed, err)
	}
	opened, err := box.Open("plain")
	if err != nil || opened != "plain" {
		t.Errorf("expected passthrough open, got %q, %v", opened, err)
	}
}

func TestSecretBox_TamperDetected(t *testing.T) {
	box, _ := NewSecretBox(testKey())
	sealed, _ := box.Seal("token")

	tampered := strings.Replace(sealed, sealed[2:3], "A", 1)
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}
	if _, err := box.Open(tampered); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestSecretBox_GarbageInput(t *testing.T) {
	box, _ := NewSecretBox(testKey())
	if _, err := box.Open("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := box.Open("YWJj"); err == nil {
		t.Error("expected error for too-short ciphertext")
	}
}
