package crypto

import "errors"

var (
	// ErrDecryptFailed is returned for malformed input, a wrong key or a corrupted ciphertext
	ErrDecryptFailed = errors.New("crypto: decrypt failed")
	ErrEmptySecret   = errors.New("crypto: secret cannot be empty")
	ErrKeyMaterial   = errors.New("crypto: invalid room key material")
)
