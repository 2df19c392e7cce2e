package security

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := New("correct horse battery staple", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte("hello, encrypted world")
	aad := []byte("header-bytes")

	nonce, ciphertext, err := s.Encrypt(plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := s.Decrypt(nonce, ciphertext, aad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	s1, _ := New("pw-one", nil, nil)
	nonce, ciphertext, err := s1.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Same salt/KDF, different password -> different key -> tag mismatch.
	s2, _ := New("pw-two", s1.Salt(), &s1.kdf)
	if _, err := s2.Decrypt(nonce, ciphertext, nil); err == nil {
		t.Fatal("expected decryption to fail with wrong password")
	}
}

func TestDecryptWrongAADFails(t *testing.T) {
	s, _ := New("pw", nil, nil)
	nonce, ciphertext, err := s.Encrypt([]byte("secret"), []byte("aad-a"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := s.Decrypt(nonce, ciphertext, []byte("aad-b")); err == nil {
		t.Fatal("expected decryption to fail with mismatched AAD")
	}
}

func TestClearZeroizesKey(t *testing.T) {
	s, _ := New("pw", nil, nil)
	s.Clear()
	if _, _, err := s.Encrypt([]byte("x"), nil); err == nil {
		t.Fatal("expected Encrypt to fail after Clear")
	}
}

func TestRotatePreservesDecryptabilityOfNewCiphertext(t *testing.T) {
	s, _ := New("old-pw", nil, nil)
	if err := s.Rotate("new-pw"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	nonce, ciphertext, err := s.Encrypt([]byte("after rotation"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := s.Decrypt(nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "after rotation" {
		t.Errorf("got %q", got)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(hash, "s3cret!") {
		t.Error("expected correct password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Error("expected incorrect password to fail verification")
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error hashing empty password")
	}
}

func TestVerifyLegacyScryptFormat(t *testing.T) {
	// A hash in the legacy "scrypt$<saltHex>$<keyHex>" format whose key is
	// not what scrypt derives (only 4 bytes) must be rejected.
	legacy := "scrypt$" + "00112233445566778899aabbccddeeff" + "$" + "deadbeef"
	if VerifyPassword(legacy, "anything") {
		t.Error("malformed legacy hash must not verify")
	}
}
