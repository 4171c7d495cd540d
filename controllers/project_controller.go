package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/config"
	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/middleware"
	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
	"github.com/forgeboard/forgeboard/utils"
)

// Default named roles seeded into every new project. Admin delegates to
// Developer, Developer to Member, so resolution through Admin reaches all
// three.
const (
	RoleAdmin     = "Admin"
	RoleDeveloper = "Developer"
	RoleMember    = "Member"
)

// ToolPermissions is every permission a mounted tool understands.
var ToolPermissions = []string{
	models.PermRead,
	models.PermWrite,
	models.PermPost,
	models.PermComment,
	models.PermModerate,
	models.PermConfigure,
}

// ProjectController handles project provisioning, tool mounting and role
// administration.
type ProjectController struct {
	db     *gorm.DB
	graph  *rbac.RoleGraph
	engine *discuss.Engine
}

// NewProjectController creates a ProjectController.
func NewProjectController(db *gorm.DB, engine *discuss.Engine) *ProjectController {
	return &ProjectController{db: db, graph: rbac.NewRoleGraph(db), engine: engine}
}

// CreateProject registers a project and seeds its role graph: the special
// roles, the Admin -> Developer -> Member delegation chain, and the
// creator's proxy role delegating to Admin.
func (p *ProjectController) CreateProject(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)

	var req struct {
		Shortname string `json:"shortname" binding:"required,min=2,max=64"`
		Name      string `json:"name"`
		Summary   string `json:"summary"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
		return
	}
	req.Shortname = strings.ToLower(strings.TrimSpace(req.Shortname))
	if !validShortname(req.Shortname) {
		utils.Error(ctx, http.StatusBadRequest, 40011, "shortname may contain lowercase letters, digits and '-' only")
		return
	}

	project := models.Project{
		Shortname: req.Shortname,
		Name:      fallback(req.Name, req.Shortname),
		Summary:   utils.Sanitize(req.Summary),
	}
	if err := p.db.Create(&project).Error; err != nil {
		utils.Error(ctx, http.StatusConflict, 40910, "shortname already taken")
		return
	}

	if err := p.seedRoles(project.ID, user.ID); err != nil {
		utils.FromError(ctx, err)
		return
	}

	if err := models.Audit(p.db, project.ID, user.ID, ctx.FullPath(),
		"created project %s", project.Shortname); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, project)
}

func (p *ProjectController) seedRoles(projectID, creatorID uint) error {
	if _, err := p.graph.UpsertNamedRole(projectID, models.RoleAnonymous); err != nil {
		return err
	}
	if _, err := p.graph.UpsertNamedRole(projectID, models.RoleAuthenticated); err != nil {
		return err
	}
	admin, err := p.graph.UpsertNamedRole(projectID, RoleAdmin)
	if err != nil {
		return err
	}
	dev, err := p.graph.UpsertNamedRole(projectID, RoleDeveloper)
	if err != nil {
		return err
	}
	member, err := p.graph.UpsertNamedRole(projectID, RoleMember)
	if err != nil {
		return err
	}
	if err := p.graph.AddDelegate(admin, dev.ID); err != nil {
		return err
	}
	if err := p.graph.AddDelegate(dev, member.ID); err != nil {
		return err
	}
	proxy, err := p.graph.UpsertUserRole(projectID, creatorID)
	if err != nil {
		return err
	}
	return p.graph.AddDelegate(proxy, admin.ID)
}

// GetProject returns one project by shortname with its mounted tools,
// cached for ten minutes. Install and uninstall invalidate the entry.
func (p *ProjectController) GetProject(ctx *gin.Context) {
	cacheKey := "cache:project:public:" + strings.TrimSpace(ctx.Param("project"))
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json", b)
		return
	}
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	var tools []models.ToolConfig
	if err := p.db.Where("project_id = ?", project.ID).Find(&tools).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}
	payload := gin.H{"project": project, "tools": tools}
	utils.CacheSetJSON(cacheKey, utils.JSONResponse{Code: 0, Message: "success", Data: payload}, 10*time.Minute)
	utils.Success(ctx, payload)
}

// ListProjects returns non-deleted projects, newest first.
func (p *ProjectController) ListProjects(ctx *gin.Context) {
	page, pageSize := pagination(ctx, 20)
	var total int64
	if err := p.db.Model(&models.Project{}).Count(&total).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}
	var projects []models.Project
	if err := p.db.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&projects).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{
		"items": projects,
		"pagination": gin.H{
			"page": page, "page_size": pageSize, "total": total,
		},
	})
}

// InstallTool mounts a tool into the project: creates the ToolConfig with
// the seeded container ACL, plus the discussion backing it. The installer's
// proxy role receives every tool permission; read is additionally granted
// to *anonymous and comment to *authenticated.
func (p *ProjectController) InstallTool(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	if !p.isProjectAdmin(user, project.ID) {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	var req struct {
		Tool        string `json:"tool" binding:"required"`
		MountPoint  string `json:"mount_point" binding:"required,min=1,max=64"`
		Name        string `json:"name"`
		ModerateNew bool   `json:"moderate_new"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40012, "invalid request payload")
		return
	}
	req.MountPoint = strings.ToLower(strings.TrimSpace(req.MountPoint))
	if !validShortname(req.MountPoint) {
		utils.Error(ctx, http.StatusBadRequest, 40013, "invalid mount point")
		return
	}

	acl, err := p.seedToolACL(project.ID, user.ID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}

	tc := models.ToolConfig{
		ProjectID:  project.ID,
		Tool:       strings.ToLower(strings.TrimSpace(req.Tool)),
		MountPoint: req.MountPoint,
	}
	if err := tc.WriteACL(acl); err != nil {
		utils.FromError(ctx, err)
		return
	}
	if err := p.db.Create(&tc).Error; err != nil {
		utils.Error(ctx, http.StatusConflict, 40911, "mount point already in use")
		return
	}

	d, err := p.engine.CreateDiscussion(&tc, req.MountPoint, fallback(req.Name, req.MountPoint))
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if req.ModerateNew {
		if err := p.db.Model(d).Update("moderate_new", true).Error; err != nil {
			utils.FromError(ctx, err)
			return
		}
		d.ModerateNew = true
	}

	utils.InvalidateByPrefix("cache:project:public:" + project.Shortname)
	if err := models.Audit(p.db, project.ID, user.ID, ctx.FullPath(),
		"installed tool %s at %s", tc.Tool, tc.MountPoint); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, gin.H{"tool": tc, "discussion": d})
}

// seedToolACL builds the install-time container ACL.
func (p *ProjectController) seedToolACL(projectID, installerID uint) (models.ACL, error) {
	proxy, err := p.graph.UpsertUserRole(projectID, installerID)
	if err != nil {
		return nil, err
	}
	anon, err := p.graph.UpsertNamedRole(projectID, models.RoleAnonymous)
	if err != nil {
		return nil, err
	}
	auth, err := p.graph.UpsertNamedRole(projectID, models.RoleAuthenticated)
	if err != nil {
		return nil, err
	}

	acl := models.ACL{}
	for _, perm := range ToolPermissions {
		acl.Grant(perm, proxy.ID)
	}
	acl.Grant(models.PermRead, anon.ID)
	acl.Grant(models.PermComment, auth.ID)
	acl.Grant(models.PermPost, auth.ID)
	return acl, nil
}

// UninstallTool unmounts a tool and destroys its discussion together with
// everything the discussion owns.
func (p *ProjectController) UninstallTool(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	if !p.isProjectAdmin(user, project.ID) {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	mount := strings.TrimSpace(ctx.Param("mount"))
	var tc models.ToolConfig
	err := p.db.Where("project_id = ? AND mount_point = ?", project.ID, mount).First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40420, "tool not found")
		return
	}
	if err != nil {
		utils.FromError(ctx, err)
		return
	}

	var discussions []models.Discussion
	if err := p.db.Where("tool_config_id = ?", tc.ID).Find(&discussions).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}
	for _, d := range discussions {
		if err := p.engine.DestroyDiscussion(d.ID); err != nil {
			utils.FromError(ctx, err)
			return
		}
	}
	if err := p.db.Delete(&models.ToolConfig{}, tc.ID).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}

	utils.InvalidateByPrefix("cache:project:public:" + project.Shortname)
	if err := models.Audit(p.db, project.ID, user.ID, ctx.FullPath(),
		"uninstalled tool %s from %s", tc.Tool, tc.MountPoint); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, gin.H{"message": "tool uninstalled"})
}

// ListRoles returns the project's roles.
func (p *ProjectController) ListRoles(ctx *gin.Context) {
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	var roles []models.ProjectRole
	if err := p.db.Where("project_id = ?", project.ID).Order("id ASC").Find(&roles).Error; err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, roles)
}

// CreateRole creates a named role in the project. Idempotent.
func (p *ProjectController) CreateRole(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	if !p.isProjectAdmin(user, project.ID) {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	var req struct {
		Name string `json:"name" binding:"required,min=1,max=64"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40014, "invalid request payload")
		return
	}
	name := strings.TrimSpace(req.Name)
	if strings.HasPrefix(name, "*") {
		utils.Error(ctx, http.StatusBadRequest, 40015, "role names starting with '*' are reserved")
		return
	}

	role, err := p.graph.UpsertNamedRole(project.ID, name)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if err := models.Audit(p.db, project.ID, user.ID, ctx.FullPath(),
		"created role %s", name); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, role)
}

// SetDelegate adds or removes a delegation edge between two roles of the
// project.
func (p *ProjectController) SetDelegate(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	if !p.isProjectAdmin(user, project.ID) {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	var req struct {
		RoleID     uint `json:"role_id" binding:"required"`
		DelegateID uint `json:"delegate_id" binding:"required"`
		Remove     bool `json:"remove"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40016, "invalid request payload")
		return
	}

	var role, delegate models.ProjectRole
	if err := p.db.Where("project_id = ?", project.ID).First(&role, req.RoleID).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40421, "role not found")
		return
	}
	if err := p.db.Where("project_id = ?", project.ID).First(&delegate, req.DelegateID).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40421, "role not found")
		return
	}

	var err error
	if req.Remove {
		err = p.graph.RemoveDelegate(&role, delegate.ID)
	} else {
		err = p.graph.AddDelegate(&role, delegate.ID)
	}
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if err := models.Audit(p.db, project.ID, user.ID, ctx.FullPath(),
		"delegation %d -> %d (remove=%v)", role.ID, delegate.ID, req.Remove); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, role)
}

// AssignUser grants or revokes a named role for a user by wiring the
// user's proxy role to the named role.
func (p *ProjectController) AssignUser(ctx *gin.Context) {
	actor := middleware.CurrentUser(ctx)
	project, ok := p.loadProject(ctx)
	if !ok {
		return
	}
	if !p.isProjectAdmin(actor, project.ID) {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Role     string `json:"role" binding:"required"`
		Remove   bool   `json:"remove"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40017, "invalid request payload")
		return
	}

	var target models.User
	if err := p.db.Where("username = ?", strings.TrimSpace(req.Username)).First(&target).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40403, "user not found")
		return
	}
	named, err := p.graph.RoleByName(project.ID, strings.TrimSpace(req.Role))
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	proxy, err := p.graph.UpsertUserRole(project.ID, target.ID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}

	if req.Remove {
		err = p.graph.RemoveDelegate(proxy, named.ID)
	} else {
		err = p.graph.AddDelegate(proxy, named.ID)
	}
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if err := models.Audit(p.db, project.ID, actor.ID, ctx.FullPath(),
		"user %s role %s (remove=%v)", target.Username, named.Name, req.Remove); err != nil {
		utils.Sugar.Warnf("audit write failed: %v", err)
	}
	utils.Success(ctx, gin.H{"message": "role updated"})
}

// isProjectAdmin reports whether the user resolves to the project's Admin
// role or is a configured site administrator.
func (p *ProjectController) isProjectAdmin(user *models.User, projectID uint) bool {
	if user.IsAnonymous() {
		return false
	}
	if isSiteAdmin(user.Username) {
		return true
	}
	admin, err := p.graph.RoleByName(projectID, RoleAdmin)
	if err != nil {
		return false
	}
	roles, err := p.graph.Resolve(user, projectID)
	if err != nil {
		return false
	}
	return roles.Contains(admin.ID)
}

func (p *ProjectController) loadProject(ctx *gin.Context) (*models.Project, bool) {
	shortname := strings.TrimSpace(ctx.Param("project"))
	var project models.Project
	err := p.db.Where("shortname = ? AND deleted = ?", shortname, false).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40404, "project not found")
		return nil, false
	}
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}
	return &project, true
}

func isSiteAdmin(username string) bool {
	uname := strings.TrimSpace(username)
	if uname == "" {
		return false
	}
	for _, u := range config.Get().AdminUsernames {
		if strings.EqualFold(strings.TrimSpace(u), uname) {
			return true
		}
	}
	return false
}

func validShortname(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || r == '-' {
			continue
		}
		return false
	}
	return true
}

func pagination(ctx *gin.Context, defaultSize int) (page, pageSize int) {
	page, pageSize = 1, defaultSize
	if v := strings.TrimSpace(ctx.Query("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(ctx.Query("page_size")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			pageSize = n
		}
	}
	return page, pageSize
}
