package cipher

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/engine"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New([]byte("0123456789abcdef0123456789abcdef"[:32]))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)
	plaintext := "sk-ant-REDACTED"

	token, err := c.EncryptString(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := c.DecryptString(token)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

// P1: two consecutive encrypt(m) calls produce distinct tokens, and both
// decrypt back to m.
func TestEncryptIsRandomized(t *testing.T) {
	c := testCipher(t)
	t1, _ := c.EncryptString("same data")
	t2, _ := c.EncryptString("same data")
	if t1 == t2 {
		t.Fatal("two encryptions of the same plaintext must differ (random IV)")
	}
	for _, tok := range []string{t1, t2} {
		got, err := c.DecryptString(tok)
		if err != nil || got != "same data" {
			t.Fatalf("decrypt(%q) = %q, %v", tok, got, err)
		}
	}
}

func TestEmptyPlaintext(t *testing.T) {
	c := testCipher(t)
	token, err := c.EncryptString("")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := c.DecryptString(token)
	if err != nil || got != "" {
		t.Fatalf("decrypt empty = %q, %v", got, err)
	}
}

// P2: a single-bit flip anywhere in the token (except trailing base64
// padding) causes decrypt to fail.
func TestTamperedTokenFails(t *testing.T) {
	c := testCipher(t)
	token, _ := c.EncryptString("secret")

	runes := []byte(token)
	// Flip a character well inside the payload, not in padding.
	idx := len(runes) / 2
	if runes[idx] == 'A' {
		runes[idx] = 'B'
	} else {
		runes[idx] = 'A'
	}
	tampered := string(runes)

	if _, err := c.DecryptString(tampered); err == nil {
		t.Fatal("expected tampered token to fail to decrypt")
	}
}

func TestWrongKeyFails(t *testing.T) {
	c1 := testCipher(t)
	token, _ := c1.EncryptString("secret data")

	c2, err := New([]byte("abcdef0123456789abcdef0123456789"[:32]))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c2.DecryptString(token); err == nil {
		t.Fatal("expected wrong-key decrypt to fail")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	_, err := New([]byte("too short"))
	if !engine.Is(err, engine.CipherError) {
		t.Fatalf("expected CipherError, got %v", err)
	}
}

func TestInvalidTokenBase64(t *testing.T) {
	c := testCipher(t)
	_, err := c.DecryptString("not valid base64!!!")
	if !engine.Is(err, engine.InvalidFormat) {
		t.Fatalf("expected InvalidFormat, got %v", err)
	}
}

func TestTokenTooShort(t *testing.T) {
	c := testCipher(t)
	short := "c2hvcnQ=" // base64("short")
	_, err := c.DecryptString(short)
	if !engine.Is(err, engine.InvalidFormat) {
		t.Fatalf("expected InvalidFormat, got %v", err)
	}
}

func TestWrongVersionByte(t *testing.T) {
	c := testCipher(t)
	token, _ := c.EncryptString("test")
	data, _ := base64.URLEncoding.DecodeString(token)
	data[0] = 0x00
	bad := base64.URLEncoding.EncodeToString(data)

	_, err := c.DecryptString(bad)
	if !engine.Is(err, engine.InvalidVersion) {
		t.Fatalf("expected InvalidVersion, got %v", err)
	}
}

func TestDeriveMasterKeyLength(t *testing.T) {
	key, err := DeriveMasterKey("short-seed")
	if err != nil {
		t.Fatalf("DeriveMasterKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(key))
	}
	if !strings.HasSuffix(string(key), strings.Repeat("0", 32-len("short-seed"))) {
		t.Fatalf("expected right-padding with ASCII '0', got %q", key)
	}
}

func TestDeriveMasterKeyTruncatesLongSeed(t *testing.T) {
	longSeed := strings.Repeat("x", 64)
	key, err := DeriveMasterKey(longSeed)
	if err != nil {
		t.Fatalf("DeriveMasterKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(key))
	}
	if string(key) != strings.Repeat("x", 32) {
		t.Fatalf("expected first 32 bytes of seed, got %q", key)
	}
}

func TestNewFromSeedRoundTrips(t *testing.T) {
	c, err := NewFromSeed("hypernova_encryption_key_2024_secure_string_32b")
	if err != nil {
		t.Fatalf("NewFromSeed: %v", err)
	}
	token, err := c.EncryptString("sk-test-12345")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := c.DecryptString(token)
	if err != nil || got != "sk-test-12345" {
		t.Fatalf("roundtrip = %q, %v", got, err)
	}
}
