package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/crypto"
	"cipherchat/pkg/types"
)

var testSecret = []byte("auth-test-secret-0123456789abcdefghij")

func newTestIssuer(t *testing.T, secret []byte, cfg Config) (*Issuer, *crypto.ClaimCipher) {
	t.Helper()
	cipher, err := crypto.NewClaimCipher(secret)
	require.NoError(t, err)
	issuer, err := NewIssuer(secret, cipher, cfg)
	require.NoError(t, err)
	return issuer, cipher
}

func defaultTestConfig() Config {
	return Config{Issuer: "cipherchat", Audience: "cipherchat-clients", TTL: time.Hour}
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuer, cipher := newTestIssuer(t, testSecret, defaultTestConfig())
	identity := &types.Identity{ID: 42, DisplayName: "alice"}

	token, expires, err := issuer.Issue(identity)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)

	uid, err := cipher.Decrypt(claims.EncryptedUserID)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(identity.ID, 10), uid)

	name, err := cipher.Decrypt(claims.EncryptedName)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestIssuer_ClaimsAreOpaque(t *testing.T) {
	issuer, _ := newTestIssuer(t, testSecret, defaultTestConfig())

	token, _, err := issuer.Issue(&types.Identity{ID: 7, DisplayName: "visible_name"})
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	require.NoError(t, err)
	mc := parsed.Claims.(jwt.MapClaims)
	assert.NotEqual(t, "7", mc["uid"])
	assert.NotEqual(t, "visible_name", mc["name"])
	assert.NotContains(t, token, "visible_name")
}

func TestIssuer_Rejects(t *testing.T) {
	cfg := defaultTestConfig()
	issuer, _ := newTestIssuer(t, testSecret, cfg)
	identity := &types.Identity{ID: 1, DisplayName: "alice"}

	otherSecret, _ := newTestIssuer(t, []byte("some-other-secret-9876543210zyxwvuts"), cfg)
	foreign, _, err := otherSecret.Issue(identity)
	require.NoError(t, err)

	otherAudience, _ := newTestIssuer(t, testSecret, Config{Issuer: cfg.Issuer, Audience: "elsewhere", TTL: time.Hour})
	wrongAud, _, err := otherAudience.Issue(identity)
	require.NoError(t, err)

	otherIssuer, _ := newTestIssuer(t, testSecret, Config{Issuer: "impostor", Audience: cfg.Audience, TTL: time.Hour})
	wrongIss, _, err := otherIssuer.Issue(identity)
	require.NoError(t, err)

	expiring, _ := newTestIssuer(t, testSecret, cfg)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := expiring.Issue(identity)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"uid": "x", "name": "y", "iss": cfg.Issuer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "foreign secret", token: foreign},
		{name: "wrong audience", token: wrongAud},
		{name: "wrong issuer", token: wrongIss},
		{name: "expired", token: expired},
		{name: "alg none", token: unsigned},
		{name: "garbage", token: "not.a.token"},
		{name: "empty", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.ErrorIs(t, err, types.ErrUnauthenticated)
		})
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	cipher, err := crypto.NewClaimCipher(testSecret)
	require.NoError(t, err)

	_, err = NewIssuer(nil, cipher, defaultTestConfig())
	assert.ErrorIs(t, err, crypto.ErrEmptySecret)

	_, err = NewIssuer(testSecret, nil, defaultTestConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewIssuer(testSecret, cipher, Config{Issuer: "x", Audience: "y"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	issuer, err := NewIssuer(testSecret, cipher, defaultTestConfig())
	require.NoError(t, err)
	_, _, err = issuer.Issue(nil)
	assert.ErrorIs(t, err, ErrMissingIdentity)
}
