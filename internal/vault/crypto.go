package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/researchops/gatekeeper/internal/gkerrors"
)

var errBlobTooShort = errors.New("ciphertext blob too short")

const (
	// saltSize is the per-credential PBKDF2 salt length (256 bits).
	saltSize = 32
	// nonceSize is the AES-GCM nonce length (96 bits).
	nonceSize = 12
	// keySize selects AES-256.
	keySize = 32
	// pbkdf2Iterations per OWASP guidance for PBKDF2-HMAC-SHA256.
	pbkdf2Iterations = 100_000
)

// seal encrypts plaintext with AES-256-GCM. The encryption key is
// derived from key material plus a fresh random salt via
// PBKDF2-HMAC-SHA256. The returned blob is salt || nonce || ciphertext
// with the 16-byte GCM tag appended to the ciphertext.
func seal(material, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, gkerrors.Encryption("generate salt", err)
	}

	gcm, err := deriveGCM(material, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, gkerrors.Encryption("generate nonce", err)
	}

	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// open decrypts a blob produced by seal.
func open(material, blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, gkerrors.Encryption("decrypt", errBlobTooShort)
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	gcm, err := deriveGCM(material, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, gkerrors.Encryption("decrypt", err)
	}
	return plaintext, nil
}

func deriveGCM(material, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(material, salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gkerrors.Encryption("init cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, gkerrors.Encryption("init gcm", err)
	}
	return gcm, nil
}
