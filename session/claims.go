package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"converse/models"
)

// IdentityFromToken decodes identity attributes from an access token's claims
// without verifying the signature. Verification is the backend's job; the
// client only reads what the backend already vouched for by issuing the token.
func IdentityFromToken(accessToken string) (models.User, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return models.User{}, false
	}

	identity := models.User{}
	if sub, err := claims.GetSubject(); err == nil {
		identity.UserID = sub
	}
	if identity.UserID == "" {
		if userID, ok := claims["user_id"].(string); ok {
			identity.UserID = userID
		}
	}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		identity.Role = role
	}

	return identity, identity.UserID != ""
}

// AccessTokenExpiry returns the token's expiry claim when present.
// Callers can use it to refresh ahead of a hard 401.
func AccessTokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
