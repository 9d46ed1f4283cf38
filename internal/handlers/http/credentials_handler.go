package http

import (
	"context"
	"net/http"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"

	"github.com/gin-gonic/gin"
)

// CredentialIssuer hands out short-lived relay credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, userID domain.UserID) domain.RelayCredentials
}

type CredentialsHandler struct {
	issuer CredentialIssuer
	auth   services.AuthService
}

func NewCredentialsHandler(issuer CredentialIssuer, auth services.AuthService) *CredentialsHandler {
	return &CredentialsHandler{issuer: issuer, auth: auth}
}

// SetupRoutes mounts the endpoint on a group already behind AuthMiddleware.
func (h *CredentialsHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/turn-credentials", h.GetCredentials)
}

// GetCredentials always answers 200; an issuer that cannot serve says
// success=false and the client falls back to reflection servers.
func (h *CredentialsHandler) GetCredentials(c *gin.Context) {
	userID, err := h.auth.GetUserFromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.issuer.Issue(c.Request.Context(), userID))
}
