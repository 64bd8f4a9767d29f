package middleware

import (
	"fmt"
	"strings"

	pkgAuth "garame-service/pkg/auth"
	appErr "garame-service/pkg/errors"
	"garame-service/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey  = "userID"
	ContextAdminIDKey = "adminID"
)

// AuthRequired admits players. Admin tokens are rejected here, they only open the admin group.
func AuthRequired() gin.HandlerFunc {
	return bearer(ContextUserIDKey, pkgAuth.ParseUserToken)
}

func AdminAuthRequired() gin.HandlerFunc {
	return bearer(ContextAdminIDKey, pkgAuth.ParseAdminToken)
}

func bearer(key string, parse func(string) (*pkgAuth.Claims, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.AbortFail(c, err)
			return
		}
		claims, err := parse(token)
		if err != nil {
			response.AbortFail(c, fmt.Errorf("%w: invalid token", appErr.ErrUnauthenticated))
			return
		}
		c.Set(key, claims.SubjectID)
		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(authHeader string) (string, error) {
	if strings.TrimSpace(authHeader) == "" {
		return "", fmt.Errorf("%w: missing authorization header", appErr.ErrUnauthenticated)
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header", appErr.ErrUnauthenticated)
	}
	return strings.TrimSpace(parts[1]), nil
}

// UserID returns the player id set by AuthRequired.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
