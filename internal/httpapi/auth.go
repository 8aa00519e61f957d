package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication is returned for missing or wrong stream credentials.
var ErrAuthentication = errors.New("authentication failed")

// StreamClaims are the claims of a stream token. The subject is the user id.
type StreamClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// CredentialChecker validates the apiKey sent in a session's auth message.
// Accepted forms are the shared secret, "Bearer <secret>", or an HS256
// token signed with the secret whose subject is the declared user id.
type CredentialChecker struct {
	secret []byte
}

// NewCredentialChecker creates a checker for the given shared secret. With
// an empty secret every credential is rejected.
func NewCredentialChecker(secret string) *CredentialChecker {
	return &CredentialChecker{secret: []byte(secret)}
}

// Check returns nil when apiKey authorizes userID.
func (c *CredentialChecker) Check(userID, apiKey string) error {
	if len(c.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrAuthentication)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: missing userId", ErrAuthentication)
	}

	key := strings.TrimSpace(apiKey)
	if len(key) > 7 && strings.EqualFold(key[:7], "bearer ") {
		key = strings.TrimSpace(key[7:])
	}
	if key == "" {
		return fmt.Errorf("%w: missing apiKey", ErrAuthentication)
	}

	if subtle.ConstantTimeCompare([]byte(key), c.secret) == 1 {
		return nil
	}
	if strings.Count(key, ".") == 2 {
		return c.checkToken(userID, key)
	}
	return fmt.Errorf("%w: invalid apiKey", ErrAuthentication)
}

func (c *CredentialChecker) checkToken(userID, tokenString string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, &StreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrAuthentication)
	}

	claims, ok := token.Claims.(*StreamClaims)
	if !ok {
		return fmt.Errorf("%w: invalid token claims", ErrAuthentication)
	}
	sub := claims.Subject
	if sub == "" {
		sub = claims.UserID
	}
	if sub != userID {
		return fmt.Errorf("%w: token subject does not match userId", ErrAuthentication)
	}
	return nil
}
