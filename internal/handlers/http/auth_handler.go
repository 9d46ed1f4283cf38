package http

import (
	"net/http"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/pkg/errors"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler issues relay tokens. The relay keeps no user store: Token is
// only mounted when issuing is enabled, and identity comes from the caller.
type AuthHandler struct {
	authService    services.AuthService
	accessTokenTTL int
	issueTokens    bool
	logger         *zap.SugaredLogger
}

func NewAuthHandler(authService services.AuthService, accessTokenTTLSeconds int, issueTokens bool, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		accessTokenTTL: accessTokenTTLSeconds,
		issueTokens:    issueTokens,
		logger:         logger,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		if h.issueTokens {
			api.POST("/token", h.Token)
		}
		api.POST("/refresh", h.RefreshToken)
	}
}

type TokenRequest struct {
	UserID      string `json:"user_id" binding:"required,max=128"`
	DisplayName string `json:"display_name" binding:"max=100"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	userID := domain.UserID(req.UserID)

	accessToken, err := h.authService.GenerateToken(userID, strings.TrimSpace(req.DisplayName))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	refreshToken, err := h.authService.GenerateRefreshToken(userID)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	h.logger.Infow("issued relay token", "user_id", userID)
	c.JSON(http.StatusCreated, gin.H{
		"user_id":       userID,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    h.accessTokenTTL,
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.DisplayName)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   h.accessTokenTTL,
	})
}
