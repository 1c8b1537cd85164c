// Package auth issues and verifies the bearer tokens that carry encrypted identity claims.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cipherchat/internal/crypto"
	"cipherchat/pkg/types"
)

const signingLabel = "cipherchat/jwt/v1"

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidConfig   = errors.New("invalid issuer configuration")
	ErrMissingIdentity = errors.New("identity is required")
)

// Config controls registered claims
type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// claims is the JWT payload. uid and name are ClaimCipher ciphertexts.
type claims struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 tokens whose private claims only this server can read
type Issuer struct {
	key    []byte
	cipher *crypto.ClaimCipher
	cfg    Config
	now    func() time.Time
}

// NewIssuer derives the signing key from secret under its own label
func NewIssuer(secret []byte, cipher *crypto.ClaimCipher, cfg Config) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, crypto.ErrEmptySecret
	}
	if cipher == nil || cfg.Issuer == "" || cfg.Audience == "" || cfg.TTL <= 0 {
		return nil, ErrInvalidConfig
	}
	key := crypto.DomainKey(secret, signingLabel)
	return &Issuer{
		key:    key[:],
		cipher: cipher,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for identity and its expiry
func (i *Issuer) Issue(identity *types.Identity) (string, time.Time, error) {
	if identity == nil || identity.ID <= 0 {
		return "", time.Time{}, ErrMissingIdentity
	}

	uid, err := i.cipher.Encrypt(strconv.FormatInt(identity.ID, 10))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encrypt identity claim: %w", err)
	}
	name, err := i.cipher.Encrypt(identity.DisplayName)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encrypt name claim: %w", err)
	}

	now := i.now()
	expires := now.Add(i.cfg.TTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UID:  uid,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer, audience and lifetime and returns the still-encrypted claims
func (i *Issuer) Verify(token string) (*types.TokenClaims, error) {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(token, parsed,
		func(*jwt.Token) (interface{}, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", types.ErrUnauthenticated, ErrInvalidToken, err)
	}
	if parsed.UID == "" || parsed.Name == "" {
		return nil, fmt.Errorf("%w: %w: missing identity claims", types.ErrUnauthenticated, ErrInvalidToken)
	}

	return &types.TokenClaims{EncryptedUserID: parsed.UID, EncryptedName: parsed.Name}, nil
}
