package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userContextKey      = "UserID"
	superuserContextKey = "Superuser"
)

// UserClaims represents JWT claims for authenticated users. Identity is
// issued upstream; this service only verifies tokens.
type UserClaims struct {
	UserID    string `json:"uid"`
	Superuser bool   `json:"su,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for userID.
func GenerateToken(userID string, superuser bool, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		UserID:    userID,
		Superuser: superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// bearerToken reads the Authorization header, falling back to ?token= for
// websocket clients that cannot set headers.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, ""
		}
		return "", "MISSING_TOKEN"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "INVALID_AUTH_HEADER"
	}
	return parts[1], ""
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, code := bearerToken(c)
		if code != "" {
			abortError(c, http.StatusUnauthorized, code, "authentication required", "")
			return
		}
		claims, err := parseToken(raw, secret)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token", "")
			return
		}
		c.Set(userContextKey, claims.UserID)
		c.Set(superuserContextKey, claims.Superuser)
		c.Next()
	}
}

// RequireSuperuser must run after AuthMiddleware.
func RequireSuperuser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsSuperuser(c) {
			abortError(c, http.StatusForbidden, "FORBIDDEN", "superuser privileges required", "")
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

// IsSuperuser reports whether the caller's token carries the su claim.
func IsSuperuser(c *gin.Context) bool {
	return c.GetBool(superuserContextKey)
}
