package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/config"
	"github.com/forgeboard/forgeboard/controllers"
	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/feeds"
	"github.com/forgeboard/forgeboard/middleware"
	"github.com/forgeboard/forgeboard/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(db *gorm.DB, engine *discuss.Engine, projector *feeds.Projector) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Replace the default console logger with a rolling file access log
	gl, err := utils.NewRollingFileLogger("logs/access.log", cfg.LogLevel,
		cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	authController := controllers.NewAuthController(db)
	projectController := controllers.NewProjectController(db, engine)
	discussionController := controllers.NewDiscussionController(db, engine, projector)

	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware())
	authGroup.POST("/register", authController.Register)
	authGroup.POST("/login", authController.Login)
	authGroup.GET("/oauth/:provider/login", authController.OAuthRedirect)
	authGroup.GET("/oauth/:provider/callback", authController.OAuthCallback)
	authGroup.POST("/logout", middleware.AuthRequired(db), authController.Logout)
	authGroup.GET("/me", middleware.AuthRequired(db), authController.Me)

	api.GET("/users/:username", authController.GetUserPublic)

	// Read endpoints work anonymously; the ACL decides what is visible.
	public := api.Group("")
	public.Use(middleware.OptionalAuth(db))
	public.GET("/projects", projectController.ListProjects)
	public.GET("/projects/:project", projectController.GetProject)
	public.GET("/projects/:project/feed", discussionController.ProjectFeed)
	public.GET("/projects/:project/tools/:mount/threads", discussionController.ListThreads)
	public.GET("/threads/:id", discussionController.GetThread)
	public.GET("/threads/:id/feed", discussionController.ThreadFeed)
	public.GET("/posts/:id/history", discussionController.PostHistory)
	public.GET("/attachments/:id", discussionController.DownloadAttachment)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(db), middleware.RateLimitMiddleware())
	protected.POST("/projects", projectController.CreateProject)
	protected.POST("/projects/:project/tools", projectController.InstallTool)
	protected.DELETE("/projects/:project/tools/:mount", projectController.UninstallTool)
	protected.GET("/projects/:project/roles", projectController.ListRoles)
	protected.POST("/projects/:project/roles", projectController.CreateRole)
	protected.POST("/projects/:project/roles/delegate", projectController.SetDelegate)
	protected.POST("/projects/:project/roles/assign", projectController.AssignUser)

	protected.POST("/projects/:project/tools/:mount/threads", discussionController.CreateThread)
	protected.GET("/projects/:project/tools/:mount/moderation", discussionController.ModerationQueue)
	protected.POST("/projects/:project/tools/:mount/moderation", discussionController.ModerateBatch)
	protected.POST("/threads/:id/posts", discussionController.CreatePost)
	protected.POST("/threads/:id/subscribe", discussionController.Subscribe)
	protected.PUT("/threads/:id/labels", discussionController.SetLabels)
	protected.POST("/threads/:id/spam", discussionController.FlagThreadAsSpam)
	protected.PUT("/posts/:id", discussionController.EditPost)
	protected.POST("/posts/:id/flag", discussionController.FlagPost)
	protected.POST("/posts/:id/attachments", discussionController.UploadAttachment)
	protected.DELETE("/attachments/:id", discussionController.DeleteAttachment)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
