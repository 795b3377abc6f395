package auth

import "github.com/google/uuid"

// TokenService defines the interface for JWT token operations.
type TokenService interface {
	GenerateToken(userID uuid.UUID, email, scope string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// Compile-time interface satisfaction check
var _ TokenService = (*JWTService)(nil)
