// Package cipher encrypts and decrypts stored GitLab API tokens with a
// server-side secret.
//
// The scheme is AES-256 in ECB mode with PKCS#7 padding and base64 output.
// ECB is a weak mode (no IV, identical plaintext blocks yield identical
// ciphertext blocks) but is kept for compatibility with tokens already
// stored by earlier deployments; re-encrypting under a stronger mode
// requires an explicit migration that decrypts and writes every token back.
package cipher

import (
	"crypto/aes"
	"encoding/base64"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

const keySize = 32

// Cipher is a symmetric token cipher bound to a server secret.
type Cipher struct {
	log logrus.FieldLogger
	key []byte
}

// New creates a Cipher. The secret is normalized to the AES-256 key size
// by right-padding with zero bytes or truncating.
func New(log logrus.FieldLogger, secret string) *Cipher {
	key := make([]byte, keySize)
	copy(key, secret)

	return &Cipher{
		log: log.WithField("component", "cipher"),
		key: key,
	}
}

// Encrypt encrypts plain and returns the base64-encoded ciphertext.
func (c *Cipher) Encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(padded))

	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a value produced by Encrypt. It never fails: any
// value that does not decode, decrypt, or unpad cleanly is returned
// unchanged, so callers can treat it as a legacy plaintext token.
func (c *Cipher) Decrypt(cipherText string) string {
	if cipherText == "" {
		return cipherText
	}

	raw, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		c.log.WithField("reason", "not base64 block data").
			Debug("Treating token as plaintext")

		return cipherText
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return cipherText
	}

	out := make([]byte, len(raw))

	for i := 0; i < len(raw); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], raw[i:i+aes.BlockSize])
	}

	plain, ok := pkcs7Unpad(out, aes.BlockSize)
	if !ok || len(plain) == 0 || !utf8.Valid(plain) {
		c.log.WithField("reason", "bad padding").
			Debug("Treating token as plaintext")

		return cipherText
	}

	return string(plain)
}

// pkcs7Pad pads data to a multiple of blockSize.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)

	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}

	return padded
}

// pkcs7Unpad strips PKCS#7 padding, reporting whether it was valid.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}

	return data[:len(data)-n], true
}
