package crypto

// RoomKey is the symmetric key for one room's message bodies
type RoomKey [KeySize]byte

// RoomCipher encrypts message bodies under a room key. It holds no state
// and is safe for concurrent use.
type RoomCipher struct{}

// Encrypt seals plaintext under key with a fresh nonce
func (RoomCipher) Encrypt(plaintext string, key RoomKey) (string, error) {
	return sealString(key[:], plaintext)
}

// Decrypt opens a stored ciphertext. An empty plaintext with a nil error is a
// legitimate empty message; failure is always ErrDecryptFailed.
func (RoomCipher) Decrypt(ciphertext string, key RoomKey) (string, error) {
	return openString(key[:], ciphertext)
}
