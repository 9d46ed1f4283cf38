package services

import (
	"context"
	"errors"
	"time"

	"peercall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type contextKey string

// UserIDKey is the context key the auth middleware stores the caller under.
const UserIDKey contextKey = "user_id"

type AuthService interface {
	GenerateToken(userID domain.UserID, displayName string) (string, error)
	GenerateRefreshToken(userID domain.UserID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	GetUserFromContext(ctx context.Context) (domain.UserID, error)
}

type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	Refresh     bool          `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL, refreshTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, displayName string) (string, error) {
	return s.sign(&Claims{UserID: userID, DisplayName: displayName}, s.accessTokenTTL)
}

func (s *authService) GenerateRefreshToken(userID domain.UserID) (string, error) {
	return s.sign(&Claims{UserID: userID, Refresh: true}, s.refreshTokenTTL)
}

func (s *authService) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := s.now()
	claims.Subject = string(claims.UserID)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.NotBefore = jwt.NewNumericDate(now)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken accepts access tokens only.
func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.Refresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) GetUserFromContext(ctx context.Context) (domain.UserID, error) {
	userID, ok := ctx.Value(UserIDKey).(domain.UserID)
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}
