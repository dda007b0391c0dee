package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Sealed layout: magic | salt | nonce | AES-256-GCM ciphertext. The magic is
// authenticated as additional data.
var magic = []byte("CFA1")

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	headerLen = 4 + saltSize + nonceSize
)

// Argon2id parameters. Changing them requires a new magic.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrNotArchive = errors.New("not a sealed archive")

// Seal encrypts plaintext under a key derived from passphrase.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	header := make([]byte, headerLen)
	copy(header, magic)
	if _, err := rand.Read(header[len(magic):]); err != nil {
		return nil, fmt.Errorf("generate salt and nonce: %w", err)
	}
	salt, nonce := splitHeader(header)

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return aead.Seal(header, nonce, plaintext, magic), nil
}

// Open decrypts data produced by Seal.
func Open(data []byte, passphrase string) ([]byte, error) {
	if len(data) < headerLen || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrNotArchive
	}
	salt, nonce := splitHeader(data[:headerLen])

	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, data[headerLen:], magic)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive: %w", err)
	}
	return plaintext, nil
}

func splitHeader(h []byte) (salt, nonce []byte) {
	rest := h[len(magic):]
	return rest[:saltSize], rest[saltSize : saltSize+nonceSize]
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
