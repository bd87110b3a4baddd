// Package crypto implements the sealed-blob format used for mail
// cached at rest: salt(16) || AES-256-CBC ciphertext || sha256(plaintext).
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	ivSize     = aes.BlockSize
	digestSize = sha256.Size
	kdfIters   = 4096
)

// ErrIntegrity is returned when a sealed blob decrypts but its
// plaintext digest does not match the stored one.
var ErrIntegrity = errors.New("sealed blob integrity check failed")

// deriveKey stretches pass and salt into an AES-256 key and CBC IV.
func deriveKey(pass string, salt []byte) (key, iv []byte) {
	buf := pbkdf2.Key([]byte(pass), salt, kdfIters, keySize+ivSize, sha256.New)
	return buf[:keySize], buf[keySize:]
}

// Seal encrypts plain under pass and returns
// salt || ciphertext || sha256(plain).
func Seal(plain []byte, pass string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, iv := deriveKey(pass, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	padded := pad(plain)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	digest := sha256.Sum256(plain)

	out := make([]byte, 0, saltSize+len(ct)+digestSize)
	out = append(out, salt...)
	out = append(out, ct...)
	out = append(out, digest[:]...)
	return out, nil
}

// Open decrypts a sealed blob and verifies the plaintext digest.
func Open(sealed []byte, pass string) ([]byte, error) {
	if len(sealed) < saltSize+digestSize ||
		(len(sealed)-saltSize-digestSize)%aes.BlockSize != 0 ||
		len(sealed) == saltSize+digestSize {
		return nil, errors.New("sealed blob too short")
	}

	salt := sealed[:saltSize]
	ct := sealed[saltSize : len(sealed)-digestSize]
	digest := sealed[len(sealed)-digestSize:]

	key, iv := deriveKey(pass, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plain, err := unpad(padded)
	if err != nil {
		return nil, ErrIntegrity
	}

	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:], digest) {
		return nil, ErrIntegrity
	}

	return plain, nil
}

// SealFile seals the file at src into dst and removes src.
func SealFile(src, dst, pass string) error {
	plain, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	sealed, err := Seal(plain, pass)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dst, sealed, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	return os.Remove(src)
}

// OpenFile unseals the file at src into dst.
func OpenFile(src, dst, pass string) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	plain, err := Open(sealed, pass)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dst, plain, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	return nil
}

// pad applies PKCS#7 padding to a full block multiple.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
