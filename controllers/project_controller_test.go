package controllers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeboard/forgeboard/controllers"
	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/feeds"
	"github.com/forgeboard/forgeboard/middleware"
	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
	"github.com/forgeboard/forgeboard/utils"
)

var dbSeq int

type testApp struct {
	router *gin.Engine
	db     *gorm.DB
	graph  *rbac.RoleGraph
	engine *discuss.Engine
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)
	if utils.Sugar == nil {
		utils.Sugar = zap.NewNop().Sugar()
	}

	dbSeq++
	dsn := fmt.Sprintf("file:ctrl_%d?mode=memory&cache=shared", dbSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.ProjectRole{},
		&models.ToolConfig{}, &models.Discussion{}, &models.Thread{},
		&models.Post{}, &models.PostSnapshot{}, &models.Attachment{},
		&models.FeedEvent{}, &models.Sequence{}, &models.AuditLog{},
	))

	store, err := discuss.NewBlobStore(t.TempDir(), 0)
	require.NoError(t, err)
	projector := feeds.NewProjector(db)
	engine := discuss.NewEngine(db, store, nil, projector, nil)

	projectController := controllers.NewProjectController(db, engine)
	discussionController := controllers.NewDiscussionController(db, engine, projector)

	r := gin.New()
	api := r.Group("/api/v1")

	public := api.Group("")
	public.Use(middleware.OptionalAuth(db))
	public.GET("/projects/:project", projectController.GetProject)
	public.GET("/projects/:project/tools/:mount/threads", discussionController.ListThreads)
	public.GET("/projects/:project/feed", discussionController.ProjectFeed)
	public.GET("/posts/:id/history", discussionController.PostHistory)
	public.GET("/attachments/:id", discussionController.DownloadAttachment)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(db))
	protected.POST("/projects", projectController.CreateProject)
	protected.POST("/projects/:project/tools", projectController.InstallTool)
	protected.DELETE("/projects/:project/tools/:mount", projectController.UninstallTool)
	protected.POST("/projects/:project/roles", projectController.CreateRole)
	protected.POST("/projects/:project/roles/assign", projectController.AssignUser)
	protected.POST("/projects/:project/tools/:mount/threads", discussionController.CreateThread)

	return &testApp{router: r, db: db, graph: rbac.NewRoleGraph(db), engine: engine}
}

func (a *testApp) createUser(t *testing.T, username string) (*models.User, string) {
	t.Helper()
	uid, err := models.NextSequence(a.db, models.SeqUserUID)
	require.NoError(t, err)
	user := models.User{UID: uid, Username: username}
	require.NoError(t, a.db.Create(&user).Error)
	token, err := utils.GenerateToken(user.ID, user.Username, time.Hour)
	require.NoError(t, err)
	return &user, token
}

func (a *testApp) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestCreateProjectSeedsRoles(t *testing.T) {
	app := setupApp(t)
	owner, token := app.createUser(t, "owner")

	resp := app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo", "name": "Demo"}, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var project models.Project
	require.NoError(t, app.db.Where("shortname = ?", "demo").First(&project).Error)

	for _, name := range []string{models.RoleAnonymous, models.RoleAuthenticated, "Admin", "Developer", "Member"} {
		_, err := app.graph.RoleByName(project.ID, name)
		assert.NoError(t, err, "role %s must be seeded", name)
	}

	// The creator resolves through their proxy role to the full chain.
	roles, err := app.graph.Resolve(owner, project.ID)
	require.NoError(t, err)
	for _, name := range []string{"Admin", "Developer", "Member"} {
		role, err := app.graph.RoleByName(project.ID, name)
		require.NoError(t, err)
		assert.True(t, roles.Contains(role.ID), "creator must resolve to %s", name)
	}

	var audits int64
	require.NoError(t, app.db.Model(&models.AuditLog{}).
		Where("project_id = ?", project.ID).Count(&audits).Error)
	assert.EqualValues(t, 1, audits)
}

func TestCreateProjectRequiresAuth(t *testing.T) {
	app := setupApp(t)
	resp := app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestInstallToolSeedsACL(t *testing.T) {
	app := setupApp(t)
	owner, token := app.createUser(t, "owner")

	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo"}, token).Code)

	resp := app.request(t, "POST", "/api/v1/projects/demo/tools",
		map[string]interface{}{"tool": "forum", "mount_point": "discussion"}, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var project models.Project
	require.NoError(t, app.db.Where("shortname = ?", "demo").First(&project).Error)
	var tc models.ToolConfig
	require.NoError(t, app.db.Where("project_id = ? AND mount_point = ?", project.ID, "discussion").
		First(&tc).Error)
	acl := tc.ReadACL()

	proxy, err := app.graph.UpsertUserRole(project.ID, owner.ID)
	require.NoError(t, err)
	anon, err := app.graph.RoleByName(project.ID, models.RoleAnonymous)
	require.NoError(t, err)
	auth, err := app.graph.RoleByName(project.ID, models.RoleAuthenticated)
	require.NoError(t, err)

	for _, perm := range controllers.ToolPermissions {
		assert.Contains(t, acl[perm], proxy.ID, "installer must hold %s", perm)
	}
	assert.Contains(t, acl[models.PermRead], anon.ID)
	assert.Contains(t, acl[models.PermComment], auth.ID)
	assert.NotContains(t, acl[models.PermModerate], auth.ID)

	var discussion models.Discussion
	require.NoError(t, app.db.Where("tool_config_id = ?", tc.ID).First(&discussion).Error)
	assert.Equal(t, "discussion", discussion.Shortname)

	t.Run("anonymous can read, stranger can post", func(t *testing.T) {
		resp := app.request(t, "GET", "/api/v1/projects/demo/tools/discussion/threads", nil, "")
		assert.Equal(t, http.StatusOK, resp.Code)

		_, strangerToken := app.createUser(t, "stranger")
		resp = app.request(t, "POST", "/api/v1/projects/demo/tools/discussion/threads",
			map[string]string{"subject": "hi", "text": "hello"}, strangerToken)
		assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	})

	t.Run("non-admin cannot install", func(t *testing.T) {
		_, strangerToken := app.createUser(t, "intruder")
		resp := app.request(t, "POST", "/api/v1/projects/demo/tools",
			map[string]interface{}{"tool": "forum", "mount_point": "second"}, strangerToken)
		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

func TestUninstallToolCascades(t *testing.T) {
	app := setupApp(t)
	_, token := app.createUser(t, "owner")

	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo"}, token).Code)
	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects/demo/tools",
		map[string]interface{}{"tool": "forum", "mount_point": "discussion"}, token).Code)
	require.Equal(t, http.StatusOK, app.request(t, "POST",
		"/api/v1/projects/demo/tools/discussion/threads",
		map[string]string{"subject": "hi", "text": "hello"}, token).Code)

	resp := app.request(t, "DELETE", "/api/v1/projects/demo/tools/discussion", nil, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var count int64
	require.NoError(t, app.db.Model(&models.Discussion{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, app.db.Model(&models.Post{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, app.db.Model(&models.ToolConfig{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, app.db.Model(&models.FeedEvent{}).Count(&count).Error)
	assert.Zero(t, count, "feed events of destroyed threads must be purged")
}

func TestRestrictedThreadHidesHistoryAndAttachments(t *testing.T) {
	app := setupApp(t)
	owner, token := app.createUser(t, "owner")

	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo"}, token).Code)
	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects/demo/tools",
		map[string]interface{}{"tool": "forum", "mount_point": "discussion"}, token).Code)

	resp := app.request(t, "POST", "/api/v1/projects/demo/tools/discussion/threads",
		map[string]string{"subject": "private", "text": "v0"}, token)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var created struct {
		Data struct {
			Thread models.Thread `json:"thread"`
			Post   models.Post   `json:"post"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	var project models.Project
	require.NoError(t, app.db.Where("shortname = ?", "demo").First(&project).Error)
	roles, err := app.graph.Resolve(owner, project.ID)
	require.NoError(t, err)
	actor := discuss.Actor{User: owner, Roles: roles}

	post, err := app.engine.Post(created.Data.Post.ID)
	require.NoError(t, err)
	require.NoError(t, app.engine.EditPost(actor, post, "private", "v1"))
	att, err := app.engine.Attach(actor, post, "notes.txt", "text/plain",
		strings.NewReader("contents"))
	require.NoError(t, err)

	historyPath := fmt.Sprintf("/api/v1/posts/%d/history", post.ID)
	attachmentPath := fmt.Sprintf("/api/v1/attachments/%d", att.ID)

	assert.Equal(t, http.StatusOK, app.request(t, "GET", historyPath, nil, "").Code,
		"history is public while the thread is readable")
	assert.Equal(t, http.StatusOK, app.request(t, "GET", attachmentPath, nil, "").Code)

	// Restrict read on the thread to the owner's proxy role.
	proxy, err := app.graph.UpsertUserRole(project.ID, owner.ID)
	require.NoError(t, err)
	restricted := models.ACL{models.PermRead: {proxy.ID}}
	raw, err := restricted.Encode()
	require.NoError(t, err)
	require.NoError(t, app.db.Model(&models.Thread{ID: created.Data.Thread.ID}).
		Update("acl", raw).Error)

	assert.Equal(t, http.StatusForbidden, app.request(t, "GET", historyPath, nil, "").Code,
		"history must honor the thread ACL override")
	assert.Equal(t, http.StatusForbidden, app.request(t, "GET", attachmentPath, nil, "").Code,
		"attachment bytes must honor the thread ACL override")

	assert.Equal(t, http.StatusOK, app.request(t, "GET", historyPath, nil, token).Code)
	assert.Equal(t, http.StatusOK, app.request(t, "GET", attachmentPath, nil, token).Code)
}

func TestAssignUserRole(t *testing.T) {
	app := setupApp(t)
	_, ownerToken := app.createUser(t, "owner")
	helper, _ := app.createUser(t, "helper")

	require.Equal(t, http.StatusOK, app.request(t, "POST", "/api/v1/projects",
		map[string]string{"shortname": "demo"}, ownerToken).Code)

	var project models.Project
	require.NoError(t, app.db.Where("shortname = ?", "demo").First(&project).Error)

	resp := app.request(t, "POST", "/api/v1/projects/demo/roles/assign",
		map[string]interface{}{"username": "helper", "role": "Developer"}, ownerToken)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	dev, err := app.graph.RoleByName(project.ID, "Developer")
	require.NoError(t, err)
	member, err := app.graph.RoleByName(project.ID, "Member")
	require.NoError(t, err)

	roles, err := app.graph.Resolve(helper, project.ID)
	require.NoError(t, err)
	assert.True(t, roles.Contains(dev.ID))
	assert.True(t, roles.Contains(member.ID), "Developer delegates to Member")

	resp = app.request(t, "POST", "/api/v1/projects/demo/roles/assign",
		map[string]interface{}{"username": "helper", "role": "Developer", "remove": true}, ownerToken)
	require.Equal(t, http.StatusOK, resp.Code)

	roles, err = app.graph.Resolve(helper, project.ID)
	require.NoError(t, err)
	assert.False(t, roles.Contains(dev.ID))
}
