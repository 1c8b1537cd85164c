package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"cipherchat/pkg/types"
)

const (
	roomLabel = "cipherchat/rooms/v1"
	// SaltSize is the length of the per-room HKDF salt
	SaltSize = 32
	// CurrentKeyVersion is stamped on new key material
	CurrentKeyVersion = 1
)

// Keyring derives room keys from the server secret and per-room salts.
// ARCHITECTURAL DISCOVERY: Room keys never touch the password hash, so the
// join check and message confidentiality can change independently
type Keyring struct {
	master [KeySize]byte
}

// NewKeyring builds a keyring from the server secret
func NewKeyring(secret []byte) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Keyring{master: DomainKey(secret, roomLabel)}, nil
}

// NewKeyMaterial creates fresh salt for a room about to be created
func (k *Keyring) NewKeyMaterial() (*types.RoomKey, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate room salt: %w", err)
	}
	return &types.RoomKey{
		Salt:      salt,
		Version:   CurrentKeyVersion,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Derive maps stored key material to the room key; deterministic per material
func (k *Keyring) Derive(material *types.RoomKey) (RoomKey, error) {
	var key RoomKey
	if material == nil || len(material.Salt) != SaltSize || material.Version < 1 {
		return key, ErrKeyMaterial
	}
	info := []byte(fmt.Sprintf("cipherchat room key v%d", material.Version))
	r := hkdf.New(sha256.New, k.master[:], material.Salt, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive room key: %w", err)
	}
	return key, nil
}
