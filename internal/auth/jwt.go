package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"ipguard/internal/config"
	"ipguard/internal/support"
)

const (
	RoleAdmin = "admin"

	defaultTokenTTL = 24 * time.Hour
	devSecret       = "ipguard-development-secret"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("JWT_SECRET must be set in production mode")

	devSecretWarning sync.Once
)

// jwtSecret returns the signing key. The development fallback is only
// available outside production mode.
func jwtSecret() ([]byte, error) {
	value := support.GetEnv("JWT_SECRET", "")
	if value != "" && value != devSecret {
		return []byte(value), nil
	}
	if config.InProductionMode {
		return nil, ErrMissingSecret
	}
	devSecretWarning.Do(func() {
		log.Warn("JWT_SECRET not set, using development secret")
	})
	return []byte(devSecret), nil
}

// CheckSecret reports whether tokens can be issued in the current mode.
func CheckSecret() error {
	_, err := jwtSecret()
	return err
}

// GenerateJWT issues a signed HS256 token for subject with the given role.
func GenerateJWT(subject, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(support.GetEnvDuration("JWT_TTL", defaultTokenTTL)).Unix(),
	}

	key, err := jwtSecret()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature and expiry and returns the token claims.
func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	key, err := jwtSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
