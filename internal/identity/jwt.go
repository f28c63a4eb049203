package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HMAC-signed bearer tokens locally. The user id is
// taken from the standard "sub" claim, the tenant from "tid".
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenRejected
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenRejected
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, ErrTokenRejected
	}

	// Tenant claim is optional; single-tenant deployments omit it.
	tenantID, _ := claims["tid"].(string)

	return &Identity{UserID: userID, TenantID: tenantID}, nil
}
