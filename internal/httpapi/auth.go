package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey    = "user_id"
	userIDHeader = "X-User-ID"
)

// authenticate resolves the caller's user id. With a secret, only an HS256 bearer token
// whose subject is the user id is accepted; without one, X-User-ID is trusted.
func authenticate(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			uid := strings.TrimSpace(c.GetHeader(userIDHeader))
			if uid == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing "+userIDHeader+" header"))
				return
			}
			c.Set(userIDKey, uid)
			c.Next()
			return
		}

		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing bearer token"))
			return
		}
		uid, err := subjectOf(raw, key)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid token"))
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

func bearer(h string) (string, bool) {
	const p = "bearer "
	if len(h) <= len(p) || !strings.EqualFold(h[:len(p)], p) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(p):])
	return tok, tok != ""
}

func subjectOf(raw string, key []byte) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// IssueToken signs a token for userID. Used by tests and operator tooling.
func IssueToken(secret, userID string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func userID(c *gin.Context) string { return c.GetString(userIDKey) }
