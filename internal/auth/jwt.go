package auth

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reservation-engine/internal/booking"
)

// Claims is the verified caller context. TenantID is authoritative: it comes
// from the signed token, never from the request body.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Actor    string `json:"actor"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid auth token")

// GenerateToken signs a caller context for the given tenant.
func GenerateToken(secret []byte, tenantID, actor string, ttl time.Duration) (string, error) {
	claims := &Claims{
		TenantID: tenantID,
		Actor:    actor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies the signature and returns the caller context.
func ParseToken(secret []byte, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ResolveTenant derives the authoritative tenant id from the verified caller
// context.
func ResolveTenant(claims *Claims) string {
	if claims == nil {
		return ""
	}
	return claims.TenantID
}

// AssertTenantMatch fails closed: a caller whose resolved tenant does not
// match the record's tenant gets Forbidden, never an empty result. A mismatch
// is a security event and is logged as such.
func AssertTenantMatch(resolved, recordTenant string) error {
	if resolved == "" || recordTenant == "" || resolved != recordTenant {
		log.Printf("security: tenant mismatch: caller=%q record=%q", resolved, recordTenant)
		return booking.ErrForbidden
	}
	return nil
}
