// Package auth resolves the owner of a WebSocket session. Token auth is
// optional: without a secret the owner comes straight from the query string.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
	// ErrMissingToken is returned when auth is enabled and no token was sent
	ErrMissingToken = errors.New("missing authentication token")
)

// Claims represents the JWT claims extracted from a token
type Claims struct {
	UserID string
	Name   string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
	}
}

// ValidateToken verifies an HMAC-signed token and extracts the user_id claim.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// No else needed: early return pattern (guard clause)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	// No else needed: early return pattern (guard clause)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID, ok := mapClaims["user_id"].(string)
	// No else needed: early return pattern (guard clause)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	name, _ := mapClaims["name"].(string)
	if name == "" {
		name = userID
	}

	return &Claims{UserID: userID, Name: name}, nil
}

// OwnerResolver decides who owns the session opened by an upgrade request.
type OwnerResolver struct {
	validator *JWTValidator
}

// NewOwnerResolver returns a resolver. An empty secret disables token auth.
func NewOwnerResolver(secret string) *OwnerResolver {
	if secret == "" {
		return &OwnerResolver{}
	}
	return &OwnerResolver{validator: NewJWTValidator(secret)}
}

// Enabled reports whether a token is required.
func (r *OwnerResolver) Enabled() bool {
	return r.validator != nil
}

// Resolve returns the owner for req. With auth enabled the owner is the
// token's user_id claim, taken from the Authorization header or the token
// query parameter. Otherwise it is the user_id query parameter.
func (r *OwnerResolver) Resolve(req *http.Request) (string, error) {
	if r.validator == nil {
		owner := req.URL.Query().Get("user_id")
		if owner == "" {
			owner = constants.DefaultOwner
		}
		return owner, nil
	}

	token, err := util.ExtractBearerToken(req.Header.Get(constants.HeaderAuthorization))
	if err != nil {
		token = req.URL.Query().Get("token")
	}
	// No else needed: early return pattern (guard clause)
	if token == "" {
		return "", ErrMissingToken
	}

	claims, err := r.validator.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
