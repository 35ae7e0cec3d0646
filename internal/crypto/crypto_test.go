package crypto

import (
	"strings"
	"testing"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected encoding: %s", hash)
	}
	if err := VerifySecret(hash, "correct horse battery staple"); err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if err := VerifySecret(hash, "wrong"); err != ErrHashMismatch {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestHashSecretSaltsDiffer(t *testing.T) {
	a, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	b, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct salts to produce distinct encodings")
	}
}

func TestVerifySecretMalformed(t *testing.T) {
	cases := []string{
		"",
		"$argon2id$v=19$m=65536,t=2,p=1$onlyfourparts",
		"$bcrypt$v=19$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=banana$c2FsdA$aGFzaA",
	}
	for _, encoded := range cases {
		if err := VerifySecret(encoded, "secret"); err == nil {
			t.Fatalf("expected error for %q", encoded)
		}
	}
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	sealed, err := box.Seal("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("round trip mismatch: %s", opened)
	}

	again, err := box.Seal("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if again == sealed {
		t.Fatal("expected fresh nonce per sealing")
	}
}

func TestSecretBoxRejectsBadKeyAndCiphertext(t *testing.T) {
	if _, err := NewSecretBox("deadbeef"); err == nil {
		t.Fatal("expected short key to be rejected")
	}
	if _, err := NewSecretBox("zz" + strings.Repeat("ab", 31)); err == nil {
		t.Fatal("expected non-hex key to be rejected")
	}

	box, err := NewSecretBox(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	if _, err := box.Open("not-base64!!"); err == nil {
		t.Fatal("expected malformed ciphertext to be rejected")
	}
	sealed, _ := box.Seal("value")
	other, _ := NewSecretBox(strings.Repeat("ef", 32))
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected decryption under wrong key to fail")
	}
}

func TestRandomHelpers(t *testing.T) {
	tok, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if len(tok) == 0 {
		t.Fatal("empty token")
	}

	code, err := RandomDigits(10)
	if err != nil {
		t.Fatalf("RandomDigits: %v", err)
	}
	if len(code) != 10 {
		t.Fatalf("expected 10 digits, got %d", len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit in code: %q", code)
		}
	}

	fp := Fingerprint("value")
	if !FingerprintEqual(fp, "value") {
		t.Fatal("fingerprint should match original value")
	}
	if FingerprintEqual(fp, "other") {
		t.Fatal("fingerprint matched wrong value")
	}
}
