package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims the gate reads from a bearer token. Tokens are issued by the
// upstream authentication service.
type IdentityClaims struct {
	UserID       string
	Role         string
	MerchantID   string
	MerchantName string
}

type IdentityService struct {
	jwtSecret []byte // Stored in env (JWT_SECRET)
}

func NewIdentityService(secret string) *IdentityService {
	return &IdentityService{jwtSecret: []byte(secret)}
}

// Enabled reports whether tokens can be verified at all
func (s *IdentityService) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// Validates a JWT token and returns the identity it carries
func (s *IdentityService) ValidateToken(tokenString string) (*IdentityClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verifying signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})

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

	identity := &IdentityClaims{
		UserID:       stringClaim(claims, "user_id"),
		Role:         stringClaim(claims, "role"),
		MerchantID:   stringClaim(claims, "merchant_id"),
		MerchantName: stringClaim(claims, "merchant_name"),
	}
	if identity.UserID == "" {
		identity.UserID, _ = claims.GetSubject()
	}
	if identity.UserID == "" {
		return nil, errors.New("token carries no user id")
	}

	return identity, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}
