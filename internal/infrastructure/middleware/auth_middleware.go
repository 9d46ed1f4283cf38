package middleware

import (
	"context"
	"net/http"
	"strings"

	"peercall/internal/core/services"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires a valid access token and stores the caller on both
// the gin context and the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			abortWith(c, errors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortWith(c, errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}

		c.Set(string(services.UserIDKey), claims.UserID)
		c.Set("display_name", claims.DisplayName)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), services.UserIDKey, claims.UserID))
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
