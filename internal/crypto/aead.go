package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length for every cipher in this package
const KeySize = chacha20poly1305.KeySize

// sealAEAD encrypts data under a fresh random nonce and returns nonce||ciphertext
func sealAEAD(aead cipher.AEAD, data []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// openAEAD splits the nonce prefix and authenticates the remainder
func openAEAD(aead cipher.AEAD, encData []byte) ([]byte, error) {
	if len(encData) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptFailed
	}
	nonce := encData[:aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, encData[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func sealString(key []byte, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	sealed, err := sealAEAD(aead, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openString(key []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	plain, err := openAEAD(aead, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DomainKey hashes secret with a fixed domain-separation label.
// Distinct labels yield independent keys from one server secret.
func DomainKey(secret []byte, label string) [KeySize]byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(label))
	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}
