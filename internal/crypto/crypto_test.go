package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	c, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	if err == nil {
		t.Fatal("expected error for 16 byte key, got nil")
	}
}

func TestRoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintexts := []string{
		"patient presented with elevated BP",
		"",
		"multi\nline\nnote",
		"unicode: Ärztin, 漢字",
	}

	for _, pt := range plaintexts {
		env, err := c.Seal([]byte(pt))
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.Open(env)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", pt, err)
		}
		if string(got) != pt {
			t.Errorf("round trip got %q, want %q", got, pt)
		}
	}
}

func TestDifferentNonces(t *testing.T) {
	c := testCipher(t)

	env1, _ := c.Seal([]byte("same"))
	env2, _ := c.Seal([]byte("same"))
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Error("ciphertexts should differ for the same plaintext")
	}
}

func TestTamperedCiphertextFailsClosed(t *testing.T) {
	c := testCipher(t)

	env, err := c.Seal([]byte("do not alter"))
	if err != nil {
		t.Fatal(err)
	}

	env.Ciphertext[0] ^= 0xff

	_, err = c.Open(env)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestWrongKeyFails(t *testing.T) {
	c1 := testCipher(t)
	c2 := testCipher(t)

	env, err := c1.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c2.Open(env)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestPackUnpack(t *testing.T) {
	c := testCipher(t)

	env, err := c.Seal([]byte("wire form"))
	if err != nil {
		t.Fatal(err)
	}

	unpacked, err := Unpack(Pack(env))
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Open(unpacked)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "wire form" {
		t.Errorf("got %q, want %q", got, "wire form")
	}
}

func TestUnpackTooShort(t *testing.T) {
	_, err := Unpack(make([]byte, 10))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
