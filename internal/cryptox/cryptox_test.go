package cryptox

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("test-master-key-0123456789abcdef0123")
	plain := []byte("recipient signature payload")
	ct, err := c.Encrypt(plain, "delivery-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if parts := strings.Split(ct, ":"); len(parts) != 3 {
		t.Fatalf("wire form should have 3 segments, got %d (%q)", len(parts), ct)
	}
	got, err := c.Decrypt(ct, "delivery-1")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("round trip mismatch: %q != %q", got, plain)
	}
}

func TestDecryptWrongContextFails(t *testing.T) {
	c := NewCipher("test-master-key-0123456789abcdef0123")
	ct, err := c.Encrypt([]byte("top secret"), "delivery-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = c.Decrypt(ct, "delivery-2")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptInvalidFormat(t *testing.T) {
	c := NewCipher("test-master-key-0123456789abcdef0123")
	bad := []string{
		"",
		"onlyonesegment",
		"two:segments",
		"a:b:c:d",
		"!!!:YWJj:YWJj",
		"YWJj:YWJj:YWJj", // nonce/tag wrong length
	}
	for _, in := range bad {
		if _, err := c.Decrypt(in, "ctx"); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("Decrypt(%q): expected ErrInvalidFormat, got %v", in, err)
		}
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c := NewCipher("test-master-key-0123456789abcdef0123")
	ct, err := c.Encrypt([]byte("payload"), "ctx")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	parts := strings.Split(ct, ":")
	// flip the body segment
	body := []byte(parts[2])
	if body[0] == 'A' {
		body[0] = 'B'
	} else {
		body[0] = 'A'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(body)
	if _, err := c.Decrypt(tampered, "ctx"); !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected integrity failure, got %v", err)
	}
}

func TestEncryptNonceUnique(t *testing.T) {
	c := NewCipher("test-master-key-0123456789abcdef0123")
	a, err := c.Encrypt([]byte("x"), "ctx")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("x"), "ctx")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext should differ")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("hex of 16 bytes should be 32 chars, got %d", len(a))
	}
	b, _ := RandomToken(16)
	if a == b {
		t.Fatal("tokens should not repeat")
	}
}

func TestPasswordHash(t *testing.T) {
	if testing.Short() {
		t.Skip("bcrypt at cost 12 is slow")
	}
	h, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(h))
	if err != nil || cost != BcryptCost {
		t.Fatalf("cost = %d (err %v), want %d", cost, err, BcryptCost)
	}
	if !CheckPassword("correct horse battery staple", h) {
		t.Fatal("correct password rejected")
	}
	if CheckPassword("wrong", h) {
		t.Fatal("wrong password accepted")
	}
}

func TestHMACSignVerify(t *testing.T) {
	body := []byte(`{"deliveryId":"d1"}`)
	sig := SignHMAC("shared", body)
	if !VerifyHMAC("shared", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatal("signature verified under wrong secret")
	}
	if VerifyHMAC("shared", body, "zz-not-hex") {
		t.Fatal("non-hex signature accepted")
	}
}

func TestSHA256Hex(t *testing.T) {
	if got := SHA256Hex([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256(abc) = %s", got)
	}
}
