package utils

import (
	"strings"
	"testing"
	"time"
)

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher([]byte("not-a-raw-aes-key"))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt("IGQVJ-access-token")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sealed, "IGQVJ") {
		t.Fatal("ciphertext leaks plaintext")
	}
	again, _ := c.Encrypt("IGQVJ-access-token")
	if again == sealed {
		t.Fatal("expected a fresh nonce per encryption")
	}
	plain, err := c.Decrypt(sealed)
	if err != nil || plain != "IGQVJ-access-token" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}

	other, _ := NewTokenCipher([]byte("0123456789abcdef0123456789abcdef"))
	if _, err := other.Decrypt(sealed); err == nil {
		t.Fatal("expected wrong key to fail")
	}
	if _, err := c.Decrypt("c2hvcnQ="); err == nil {
		t.Fatal("expected short ciphertext to fail")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken("secret", 42, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateToken("secret", tok)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := claims.UserIDInt(); id != 42 {
		t.Fatalf("expected user 42, got %d", id)
	}
	if _, err := ValidateToken("other", tok); err == nil {
		t.Fatal("expected signature mismatch")
	}
	expired, _ := GenerateToken("secret", 42, -time.Minute)
	if _, err := ValidateToken("secret", expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}
