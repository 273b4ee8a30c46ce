package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims represents the session token issued by the NB login service.
type JWTClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
