package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// AdminClaims gate the diagnostics surface (get_metrics event, GET /v1/metrics).
type AdminClaims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// AuthService validates admin tokens for the diagnostics surface. Quiz
// participants are not authenticated here; their identity is claimed at
// connect time and checked against session membership on join.
type AuthService struct {
	jwtSecret []byte
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{jwtSecret: []byte(secret)}
}

// IssueAdminToken mints a token for operational tooling.
func (s *AuthService) IssueAdminToken(ttl time.Duration) (string, error) {
	claims := &AdminClaims{
		Admin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateAdminToken parses and verifies an admin JWT.
func (s *AuthService) ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || !claims.Admin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
