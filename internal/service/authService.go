package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// Issues and validates the HS256 bearer tokens guarding the admin API
type AuthService struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

func NewAuthService(secret string, expiry time.Duration) *AuthService {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		jwtExpiry: expiry,
		now:       time.Now,
	}
}

// Mints a token for subject carrying the given role
func (s *AuthService) IssueToken(subject, role string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  now.Add(s.jwtExpiry).Unix(),
		"iat":  now.Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return tokenString, nil
}

// Validates a JWT token and return the claims
func (s *AuthService) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
