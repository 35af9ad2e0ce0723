package sessions

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// NewAccessToken wraps a raw access credential. When the credential is a JWT
// its exp claim becomes the token expiry; the signature is not checked because
// only the order service can verify it. Opaque credentials get no expiry.
func NewAccessToken(raw string) *oauth2.Token {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.ExpiresAt != nil {
		tok.Expiry = claims.ExpiresAt.Time
	}
	return tok
}
