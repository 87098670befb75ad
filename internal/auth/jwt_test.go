package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-validation"

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims(userID string) jwt.MapClaims {
	return jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
}

func TestValidateToken(t *testing.T) {
	validator := NewJWTValidator(testSecret)

	expired := validClaims("user-123")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noUser := validClaims("")
	delete(noUser, "user_id")

	named := validClaims("user-123")
	named["name"] = "Ada"

	tests := []struct {
		name     string
		token    string
		wantErr  error
		wantUser string
		wantName string
	}{
		{"valid", signToken(t, testSecret, jwt.SigningMethodHS256, validClaims("user-123")), nil, "user-123", "user-123"},
		{"name claim", signToken(t, testSecret, jwt.SigningMethodHS256, named), nil, "user-123", "Ada"},
		{"expired", signToken(t, testSecret, jwt.SigningMethodHS256, expired), ErrExpiredToken, "", ""},
		{"wrong secret", signToken(t, "another-secret-another-secret-xx", jwt.SigningMethodHS256, validClaims("u")), ErrInvalidSignature, "", ""},
		{"missing user", signToken(t, testSecret, jwt.SigningMethodHS256, noUser), ErrMissingClaims, "", ""},
		{"malformed", "not-a-jwt", ErrInvalidToken, "", ""},
		{"empty", "", ErrInvalidToken, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := validator.ValidateToken(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, claims.UserID)
			assert.Equal(t, tt.wantName, claims.Name)
		})
	}
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("user-123"))
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTValidator(testSecret).ValidateToken(s)
	assert.Error(t, err)
}

func TestOwnerResolver_QueryMode(t *testing.T) {
	r := NewOwnerResolver("")
	assert.False(t, r.Enabled())

	tests := []struct {
		target string
		want   string
	}{
		{"/ws?user_id=alice", "alice"},
		{"/ws", "anonymous"},
		{"/ws?user_id=", "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			owner, err := r.Resolve(httptest.NewRequest("GET", tt.target, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, owner)
		})
	}
}

func TestOwnerResolver_TokenMode(t *testing.T) {
	r := NewOwnerResolver(testSecret)
	assert.True(t, r.Enabled())
	token := signToken(t, testSecret, jwt.SigningMethodHS256, validClaims("bob"))

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws?user_id=mallory", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		owner, err := r.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "bob", owner, "the claim wins over the query parameter")
	})

	t.Run("query", func(t *testing.T) {
		owner, err := r.Resolve(httptest.NewRequest("GET", "/ws?token="+token, nil))
		require.NoError(t, err)
		assert.Equal(t, "bob", owner)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := r.Resolve(httptest.NewRequest("GET", "/ws?user_id=bob", nil))
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		_, err := r.Resolve(req)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
