package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("operation not permitted")
)

// Operator permissions. Reads need a valid token with any permission set;
// mutations are gated on the matching permission.
const (
	PermSubmit = "submit" // submit payment instructions
	PermMint   = "mint"   // credit external inflows
	PermAdmin  = "admin"  // projections, scenarios, snapshots
)

// Claims are the operator claims carried in every issued token.
type Claims struct {
	Operator string   `json:"operator"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies operator tokens. There is no user store;
// tokens are provisioned out of band and verified statelessly.
type Service struct {
	jwtSecret string
}

// NewService creates a token service with the given signing secret.
func NewService(jwtSecret string) *Service {
	return &Service{jwtSecret: jwtSecret}
}

// IssueToken signs a token for an operator with the given permissions.
func (s *Service) IssueToken(operator string, perms []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Operator: operator,
		Perms:    perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken parses and validates a token string, accepting an optional
// "Bearer " prefix.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HasPermission reports whether the claims grant a permission. Admin
// implies everything.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Perms {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}
