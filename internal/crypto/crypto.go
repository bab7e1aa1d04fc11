package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthentication is returned when a ciphertext fails tag verification.
// Callers must treat it as fatal for the read, never as a plaintext fallback.
var ErrAuthentication = errors.New("decryption failed: wrong key or tampered ciphertext")

// Envelope holds one encrypted message body. The Poly1305 tag is the
// trailing 16 bytes of Ciphertext.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
}

// Cipher applies authenticated symmetric encryption to sensitive message
// bodies. The key is loaded once at process start and lives only here.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) Seal(plaintext []byte) (Envelope, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func (c *Cipher) Open(env Envelope) ([]byte, error) {
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrAuthentication
	}

	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// Pack flattens an envelope into the single column stored beside the
// message row: nonce[12] || ciphertext+tag.
func Pack(env Envelope) []byte {
	wire := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
	wire = append(wire, env.Nonce...)
	wire = append(wire, env.Ciphertext...)
	return wire
}

func Unpack(wire []byte) (Envelope, error) {
	if len(wire) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return Envelope{}, ErrAuthentication
	}
	return Envelope{
		Nonce:      wire[:chacha20poly1305.NonceSize],
		Ciphertext: wire[chacha20poly1305.NonceSize:],
	}, nil
}
