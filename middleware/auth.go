package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/utils"
)

const (
	// ContextUserIDKey is the key used to store authenticated user ID in Gin context.
	ContextUserIDKey = "user_id"
	// ContextUsernameKey stores the username inside Gin context.
	ContextUsernameKey = "username"
	// ContextUserKey stores the loaded *models.User inside Gin context.
	ContextUserKey = "current_user"
)

// AuthRequired ensures the request is authenticated via JWT and loads the
// account. Disabled accounts are rejected even with a valid token.
func AuthRequired(db *gorm.DB) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		user, errCode, errMsg := userFromRequest(ctx, db)
		if user == nil {
			utils.Error(ctx, http.StatusUnauthorized, errCode, errMsg)
			ctx.Abort()
			return
		}
		ctx.Set(ContextUserIDKey, user.ID)
		ctx.Set(ContextUsernameKey, user.Username)
		ctx.Set(ContextUserKey, user)
		ctx.Next()
	}
}

// OptionalAuth loads the account when a valid token is present and falls
// back to the anonymous user otherwise. Read endpoints use this so public
// content stays reachable without credentials.
func OptionalAuth(db *gorm.DB) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		user, _, _ := userFromRequest(ctx, db)
		if user == nil {
			user = models.Anonymous()
		} else {
			ctx.Set(ContextUserIDKey, user.ID)
			ctx.Set(ContextUsernameKey, user.Username)
		}
		ctx.Set(ContextUserKey, user)
		ctx.Next()
	}
}

// CurrentUser returns the user loaded by AuthRequired or OptionalAuth,
// defaulting to anonymous.
func CurrentUser(ctx *gin.Context) *models.User {
	if v, ok := ctx.Get(ContextUserKey); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	return models.Anonymous()
}

func userFromRequest(ctx *gin.Context, db *gorm.DB) (*models.User, int, string) {
	authHeader := ctx.GetHeader("Authorization")
	if authHeader == "" {
		return nil, 40101, "authorization header missing"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, 40102, "invalid authorization header format"
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return nil, 40103, "empty bearer token"
	}

	if utils.IsTokenBlacklisted(tokenString) {
		return nil, 40104, "token revoked"
	}

	claims, err := utils.ParseToken(tokenString)
	if err != nil {
		return nil, 40105, "invalid token"
	}

	var user models.User
	if err := db.First(&user, claims.UserID).Error; err != nil {
		return nil, 40106, "account not found"
	}
	if user.Disabled {
		return nil, 40107, "account disabled"
	}
	return &user, 0, ""
}
