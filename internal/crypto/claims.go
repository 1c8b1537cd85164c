package crypto

const claimLabel = "cipherchat/claims/v1"

// ClaimCipher encrypts the identity strings embedded in issued tokens.
// The key depends only on the server secret, so every instance built from
// the same secret can decrypt the others' output.
type ClaimCipher struct {
	key [KeySize]byte
}

// NewClaimCipher derives the claim key from the server secret
func NewClaimCipher(secret []byte) (*ClaimCipher, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &ClaimCipher{key: DomainKey(secret, claimLabel)}, nil
}

// Encrypt returns base64(nonce||ciphertext); output differs on every call
func (c *ClaimCipher) Encrypt(plaintext string) (string, error) {
	return sealString(c.key[:], plaintext)
}

// Decrypt returns ErrDecryptFailed for anything this cipher did not produce
func (c *ClaimCipher) Decrypt(token string) (string, error) {
	return openString(c.key[:], token)
}
