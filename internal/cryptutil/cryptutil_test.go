package cryptutil

import "testing"

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	d, err := NewAESGCMDecryptor("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("new decryptor: %v", err)
	}

	ciphertext, err := d.Encrypt("super-secret-ai-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == "super-secret-ai-key" {
		t.Fatalf("ciphertext must not equal the plaintext")
	}

	plaintext, err := d.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plaintext != "super-secret-ai-key" {
		t.Fatalf("expected round-trip plaintext, got %q", plaintext)
	}
}

func TestNewAESGCMDecryptor_RejectsShortKey(t *testing.T) {
	if _, err := NewAESGCMDecryptor("too-short"); err == nil {
		t.Fatalf("expected an error for a key shorter than 32 bytes")
	}
}

func TestDecrypt_RejectsCiphertextFromADifferentKey(t *testing.T) {
	a, _ := NewAESGCMDecryptor("0123456789abcdef0123456789abcdef")
	b, _ := NewAESGCMDecryptor("fedcba9876543210fedcba9876543210")

	ciphertext, err := a.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decryption under a different key to fail")
	}
}

func TestDecrypt_RejectsEmptyCiphertext(t *testing.T) {
	d, _ := NewAESGCMDecryptor("0123456789abcdef0123456789abcdef")
	if _, err := d.Decrypt(""); err == nil {
		t.Fatalf("expected an error for empty ciphertext")
	}
}
