package auth

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey     = []byte("Zq4v8Nf2Lp7Rk1Wx9Hb3Jc6Md0Ty5Ug8Qe")
	otherKey    = []byte("Pm7Xc2Vb9Nq4Lw8Ks1Jd6Hf3Gz0Ar5Ty2E")
	testNow     = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	testIssuerN = "medgate"
)

func newTestKeySet(t *testing.T) *KeySet {
	t.Helper()
	ks, err := NewKeySet(map[string][]byte{"primary": testKey}, "primary")
	require.NoError(t, err)
	return ks
}

func newTestValidator(t *testing.T, opts ...ValidatorOption) *Validator {
	t.Helper()
	opts = append([]ValidatorOption{WithClock(func() time.Time { return testNow }), WithIssuer(testIssuerN)}, opts...)
	return NewValidator(newTestKeySet(t), opts...)
}

func validClaims() *Claims {
	return &Claims{
		Roles:     []string{"doctor"},
		TenantID:  "clinic-1",
		BranchID:  "north",
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuerN,
			Subject:   "dr.house",
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(10 * time.Minute)),
			ID:        "jti-1",
		},
	}
}

func signToken(t *testing.T, key []byte, kid string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestValidate_ValidToken(t *testing.T) {
	v := newTestValidator(t)
	id, err := v.Validate("Bearer " + signToken(t, testKey, "primary", validClaims()))
	require.NoError(t, err)

	assert.Equal(t, "dr.house", id.SubjectID)
	assert.Equal(t, []string{"doctor"}, id.Roles)
	assert.Equal(t, "clinic-1", id.TenantID)
	assert.Equal(t, "north", id.BranchID)
	assert.Equal(t, "sess-1", id.SessionID)
	assert.Equal(t, "jti-1", id.TokenID)
	assert.True(t, id.ExpiresAt.Equal(testNow.Add(10*time.Minute)))
}

func TestValidate_SchemeIsCaseInsensitive(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate("bearer " + signToken(t, testKey, "", validClaims()))
	assert.NoError(t, err, "kid-less token falls back to the primary key")
}

func TestValidate_MissingAndMalformed(t *testing.T) {
	v := newTestValidator(t)
	good := signToken(t, testKey, "primary", validClaims())

	tests := []struct {
		name   string
		header string
		kind   ErrorKind
	}{
		{"empty", "", KindMissing},
		{"whitespace only", "   \t", KindMissing},
		{"basic scheme", "Basic dXNlcjpwYXNz", KindMissing},
		{"scheme only", "Bearer", KindMissing},
		{"bearer whitespace token", "Bearer     ", KindMissing},
		{"token scheme", "Token " + good, KindMissing},
		{"no scheme", good, KindMissing},
		{"single segment", "Bearer abcdef", KindMalformed},
		{"two segments", "Bearer abc.def", KindMalformed},
		{"four segments", "Bearer a.b.c.d", KindMalformed},
		{"empty segment", "Bearer a..c", KindMalformed},
		{"truncated", "Bearer " + good[:strings.LastIndex(good, ".")], KindMalformed},
		{"null byte", "Bearer " + good + "\x00", KindMalformed},
		{"embedded null", "Bearer abc\x00.def.ghi", KindMalformed},
		{"newline injection", "Bearer " + good + "\r\nX-Admin: 1", KindMalformed},
		{"del char", "Bearer a.b.c\x7f", KindMalformed},
		{"bad characters", "Bearer !!!.###.$$$", KindMalformed},
		{"padding", "Bearer abc=.def=.ghi=", KindMalformed},
		{"inner space", "Bearer abc def.ghi.jkl", KindMalformed},
		{"undecodable header", "Bearer eyJ.eyJ.sig", KindMalformed},
		{"oversized", "Bearer " + strings.Repeat("a", maxTokenLength) + ".b.c", KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Validate(tt.header)
			require.Error(t, err)
			assert.Nil(t, id)
			assert.Equal(t, tt.kind, KindOf(err), "error: %v", err)
		})
	}
}

func TestValidate_Expired(t *testing.T) {
	v := newTestValidator(t)
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Second))

	_, err := v.Validate("Bearer " + signToken(t, testKey, "primary", c))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	v := newTestValidator(t)
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(testNow)

	_, err := v.Validate("Bearer " + signToken(t, testKey, "primary", c))
	assert.ErrorIs(t, err, ErrExpired, "a token is dead at its exp instant")
}

func TestValidate_ForgedExpiredReportsBadSignature(t *testing.T) {
	v := newTestValidator(t)
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Hour))

	_, err := v.Validate("Bearer " + signToken(t, otherKey, "primary", c))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidate_BadSignature(t *testing.T) {
	v := newTestValidator(t)

	t.Run("wrong key", func(t *testing.T) {
		_, err := v.Validate("Bearer " + signToken(t, otherKey, "primary", validClaims()))
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		good := signToken(t, testKey, "primary", validClaims())
		parts := strings.Split(good, ".")
		other := strings.Split(signToken(t, testKey, "primary", &Claims{
			Roles:            []string{"admin"},
			RegisteredClaims: validClaims().RegisteredClaims,
		}), ".")
		_, err := v.Validate("Bearer " + parts[0] + "." + other[1] + "." + parts[2])
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := v.Validate("Bearer " + signToken(t, testKey, "retired", validClaims()))
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("alg none", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
		s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		// none tokens have an empty signature segment
		_, err = v.Validate("Bearer " + s + "AAAA")
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims()
		c.Issuer = "someone-else"
		_, err := v.Validate("Bearer " + signToken(t, testKey, "primary", c))
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestValidate_NotYetValid(t *testing.T) {
	v := newTestValidator(t)
	c := validClaims()
	c.NotBefore = jwt.NewNumericDate(testNow.Add(5 * time.Minute))

	_, err := v.Validate("Bearer " + signToken(t, testKey, "primary", c))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidate_RequiresExpiryAndSubject(t *testing.T) {
	v := newTestValidator(t)

	c := validClaims()
	c.ExpiresAt = nil
	_, err := v.Validate("Bearer " + signToken(t, testKey, "primary", c))
	assert.ErrorIs(t, err, ErrMalformed)

	c = validClaims()
	c.Subject = ""
	_, err = v.Validate("Bearer " + signToken(t, testKey, "primary", c))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidate_Revoked(t *testing.T) {
	rl := NewRevocationList()
	rl.now = func() time.Time { return testNow }
	v := newTestValidator(t, WithRevocationList(rl))
	token := "Bearer " + signToken(t, testKey, "primary", validClaims())

	_, err := v.Validate(token)
	require.NoError(t, err)

	rl.Revoke("jti-1", testNow.Add(10*time.Minute))
	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestValidate_KeyRotation(t *testing.T) {
	ks := newTestKeySet(t)
	v := NewValidator(ks, WithClock(func() time.Time { return testNow }))
	oldToken := "Bearer " + signToken(t, testKey, "primary", validClaims())

	ks.Rotate("k2", otherKey)
	_, err := v.Validate(oldToken)
	assert.NoError(t, err, "tokens signed with the previous key remain valid until retired")

	_, err = v.Validate("Bearer " + signToken(t, otherKey, "k2", validClaims()))
	assert.NoError(t, err)

	assert.True(t, ks.Retire("primary"))
	_, err = v.Validate(oldToken)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.False(t, ks.Retire("k2"), "primary key cannot be retired")

	assert.False(t, ks.Add("k2", testKey), "primary key cannot be replaced by Add")
	assert.True(t, ks.Add("previous", testKey))
	assert.Equal(t, []string{"k2", "previous"}, ks.IDs())
}

func TestValidate_NeverPanicsOnGarbage(t *testing.T) {
	v := newTestValidator(t)
	rng := rand.New(rand.NewSource(42))
	alphabet := "abcXYZ019-_.= \x00\x01\t\"'{}:/+%"

	for i := 0; i < 2000; i++ {
		n := rng.Intn(64)
		var b strings.Builder
		b.WriteString("Bearer ")
		for j := 0; j < n; j++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		assert.NotPanics(t, func() {
			_, err := v.Validate(b.String())
			var authErr *Error
			assert.True(t, errors.As(err, &authErr), "every failure must be typed")
		})
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	ks := newTestKeySet(t)
	iss := NewIssuer(ks, testIssuerN, 15*time.Minute)
	iss.now = func() time.Time { return testNow }

	token, claims, err := iss.Issue(Subject{ID: "nurse.joy", Roles: []string{"nurse"}, BranchID: "south"})
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ID)
	assert.NotEmpty(t, claims.SessionID)

	v := NewValidator(ks, WithIssuer(testIssuerN), WithClock(func() time.Time { return testNow.Add(time.Minute) }))
	id, err := v.Validate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "nurse.joy", id.SubjectID)
	assert.Equal(t, "south", id.BranchID)
	assert.Equal(t, claims.SessionID, id.SessionID)

	_, _, err = iss.Issue(Subject{})
	assert.Error(t, err)
}

func TestRevocationList_Cleanup(t *testing.T) {
	rl := NewRevocationList()
	now := testNow
	rl.now = func() time.Time { return now }

	rl.Revoke("a", now.Add(time.Minute))
	rl.Revoke("b", now.Add(time.Hour))
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, rl.Cleanup())
	assert.False(t, rl.IsRevoked("a"))
	assert.True(t, rl.IsRevoked("b"))
}
