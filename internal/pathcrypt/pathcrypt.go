// Package pathcrypt implements the deterministic, reversible transform
// applied to storage object paths before upload.
//
// The transform is AES-256-CBC with a key derived from the configured
// secret (SHA-256) and a fixed IV derived from the same secret (MD5,
// truncated to the block size). A fixed IV is intentional: the same
// plaintext must always produce the same ciphertext so that re-running an
// upload stage never derives a divergent destination key.
package pathcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Cipher is a stateless path encryptor. Safe for concurrent use.
type Cipher struct {
	key [32]byte
	iv  [aes.BlockSize]byte
}

// New derives a Cipher from the configured secret. An empty secret is a
// configuration error and never retried by callers.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("pathcrypt: encryption key is empty")
	}
	c := &Cipher{
		key: sha256.Sum256([]byte(secret)),
	}
	sum := md5.Sum([]byte(secret))
	copy(c.iv[:], sum[:])
	return c, nil
}

// Encrypt transforms a raw path segment into its deterministic encrypted
// form, encoded as unpadded URL-safe base64.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("pathcrypt: empty input")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("pathcrypt: %w", err)
	}
	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv[:]).CryptBlocks(out, padded)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt with the same secret.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("pathcrypt: decode: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("pathcrypt: ciphertext length %d is not a block multiple", len(raw))
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("pathcrypt: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv[:]).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("pathcrypt: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("pathcrypt: invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("pathcrypt: invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
