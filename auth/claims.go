package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT claims structure certmill issues at login. It embeds
// jwt.RegisteredClaims for the standard fields (exp, iat) and adds the user
// identity the boundary handlers need.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
}
