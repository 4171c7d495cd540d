package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/feeds"
	"github.com/forgeboard/forgeboard/middleware"
	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
	"github.com/forgeboard/forgeboard/utils"
)

// DiscussionController exposes threads, posts, moderation and feeds over
// HTTP. It resolves the actor's role set once per request and hands it to
// the engine, which enforces permissions.
type DiscussionController struct {
	db        *gorm.DB
	graph     *rbac.RoleGraph
	engine    *discuss.Engine
	projector *feeds.Projector
}

// NewDiscussionController creates a DiscussionController.
func NewDiscussionController(db *gorm.DB, engine *discuss.Engine, projector *feeds.Projector) *DiscussionController {
	return &DiscussionController{
		db:        db,
		graph:     rbac.NewRoleGraph(db),
		engine:    engine,
		projector: projector,
	}
}

func (d *DiscussionController) actorFor(ctx *gin.Context, projectID uint) (discuss.Actor, bool) {
	user := middleware.CurrentUser(ctx)
	roles, err := d.graph.Resolve(user, projectID)
	if err != nil {
		utils.FromError(ctx, err)
		return discuss.Actor{}, false
	}
	return discuss.Actor{User: user, Roles: roles}, true
}

// discussionByMount loads the discussion mounted at /:project/:mount.
func (d *DiscussionController) discussionByMount(ctx *gin.Context) (*models.Discussion, bool) {
	shortname := strings.TrimSpace(ctx.Param("project"))
	mount := strings.TrimSpace(ctx.Param("mount"))

	var project models.Project
	err := d.db.Where("shortname = ? AND deleted = ?", shortname, false).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40404, "project not found")
		return nil, false
	}
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}

	var tc models.ToolConfig
	err = d.db.Where("project_id = ? AND mount_point = ?", project.ID, mount).First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40420, "tool not found")
		return nil, false
	}
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}

	var discussion models.Discussion
	err = d.db.Where("tool_config_id = ?", tc.ID).First(&discussion).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40430, "discussion not found")
		return nil, false
	}
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}
	return &discussion, true
}

func (d *DiscussionController) threadByID(ctx *gin.Context) (*models.Thread, bool) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		utils.Error(ctx, http.StatusBadRequest, 40020, "invalid thread id")
		return nil, false
	}
	thread, err := d.engine.Thread(uint(id))
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}
	return thread, true
}

func (d *DiscussionController) postByID(ctx *gin.Context) (*models.Post, bool) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		utils.Error(ctx, http.StatusBadRequest, 40021, "invalid post id")
		return nil, false
	}
	post, err := d.engine.Post(uint(id))
	if err != nil {
		utils.FromError(ctx, err)
		return nil, false
	}
	return post, true
}

// ListThreads returns the discussion's threads, newest first.
func (d *DiscussionController) ListThreads(ctx *gin.Context) {
	discussion, ok := d.discussionByMount(ctx)
	if !ok {
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	page, pageSize := pagination(ctx, 25)
	threads, total, err := d.engine.Threads(discussion, (page-1)*pageSize, pageSize)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}

	// Filter out threads the actor may not read. Thread ACL overrides make
	// this a per-thread decision.
	visible := threads[:0]
	for i := range threads {
		canRead, err := d.engine.CanRead(actor, &threads[i])
		if err != nil {
			utils.FromError(ctx, err)
			return
		}
		if canRead {
			visible = append(visible, threads[i])
		}
	}

	utils.Success(ctx, gin.H{
		"discussion": discussion,
		"items":      visible,
		"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
	})
}

// CreateThread opens a thread with its topic post.
func (d *DiscussionController) CreateThread(ctx *gin.Context) {
	discussion, ok := d.discussionByMount(ctx)
	if !ok {
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	var req struct {
		Subject string `json:"subject" binding:"required,min=1,max=255"`
		Text    string `json:"text" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40022, "invalid request payload")
		return
	}

	thread, post, err := d.engine.NewThread(actor, discussion,
		utils.Sanitize(req.Subject), utils.Sanitize(req.Text))
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"thread": thread, "post": post})
}

// GetThread returns the thread with its visible posts and bumps the view
// counter. Moderators also see pending and spam posts.
func (d *DiscussionController) GetThread(ctx *gin.Context) {
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	canRead, err := d.engine.CanRead(actor, thread)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if !canRead {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	thread, err = d.engine.ViewThread(thread.ID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}

	includeHidden := d.canModerate(actor, discussion)
	posts, err := d.engine.Posts(thread, includeHidden)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{
		"thread": thread,
		"labels": thread.LabelList(),
		"posts":  posts,
	})
}

// CreatePost appends a post or reply to the thread.
func (d *DiscussionController) CreatePost(ctx *gin.Context) {
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	var req struct {
		Subject  string `json:"subject"`
		Text     string `json:"text" binding:"required"`
		ParentID *uint  `json:"parent_id"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40023, "invalid request payload")
		return
	}

	post, err := d.engine.AddPost(actor, thread, req.ParentID,
		utils.Sanitize(req.Subject), utils.Sanitize(req.Text))
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, post)
}

// EditPost updates a post's subject and text, recording the pre-edit state
// in the version history.
func (d *DiscussionController) EditPost(ctx *gin.Context) {
	post, ok := d.postByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(post.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	var req struct {
		Subject string `json:"subject"`
		Text    string `json:"text" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40024, "invalid request payload")
		return
	}

	if err := d.engine.EditPost(actor, post, utils.Sanitize(req.Subject), utils.Sanitize(req.Text)); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, post)
}

// guardThreadRead enforces the thread's read permission for the current
// actor. On failure the error response has already been written.
func (d *DiscussionController) guardThreadRead(ctx *gin.Context, threadID uint) bool {
	thread, err := d.engine.Thread(threadID)
	if err != nil {
		utils.FromError(ctx, err)
		return false
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return false
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return false
	}
	canRead, err := d.engine.CanRead(actor, thread)
	if err != nil {
		utils.FromError(ctx, err)
		return false
	}
	if !canRead {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return false
	}
	return true
}

// PostHistory returns a post's version snapshots, oldest first. It is
// gated by the same read permission as the thread itself.
func (d *DiscussionController) PostHistory(ctx *gin.Context) {
	post, ok := d.postByID(ctx)
	if !ok {
		return
	}
	if !d.guardThreadRead(ctx, post.ThreadID) {
		return
	}
	snaps, err := d.engine.History(post.ID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"post": post, "history": snaps})
}

// FlagPost records the current user's flag on the post. Idempotent.
func (d *DiscussionController) FlagPost(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	post, ok := d.postByID(ctx)
	if !ok {
		return
	}
	if err := d.engine.Flag(post, user.ID); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"flags": post.Flags})
}

// Subscribe toggles the current user's subscription on the thread.
func (d *DiscussionController) Subscribe(ctx *gin.Context) {
	user := middleware.CurrentUser(ctx)
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	var req struct {
		Subscribed bool `json:"subscribed"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40025, "invalid request payload")
		return
	}
	if err := d.engine.Subscribe(thread, user.ID, req.Subscribed); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"subscribed": req.Subscribed})
}

// SetLabels replaces the thread's labels.
func (d *DiscussionController) SetLabels(ctx *gin.Context) {
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	var req struct {
		Labels []string `json:"labels"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40026, "invalid request payload")
		return
	}
	if err := d.engine.SetLabels(actor, thread, req.Labels); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"labels": req.Labels})
}

// FlagThreadAsSpam marks the thread's topic post as spam.
func (d *DiscussionController) FlagThreadAsSpam(ctx *gin.Context) {
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	if err := d.engine.FlagThreadAsSpam(actor, thread); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"message": "thread marked as spam"})
}

// ModerationQueue lists posts pending review in the mounted discussion.
func (d *DiscussionController) ModerationQueue(ctx *gin.Context) {
	discussion, ok := d.discussionByMount(ctx)
	if !ok {
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	status := strings.TrimSpace(ctx.DefaultQuery("status", models.StatusPending))
	minFlags := 0
	if v := strings.TrimSpace(ctx.Query("flags")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			minFlags = n
		}
	}
	page, pageSize := pagination(ctx, 50)

	posts, total, err := d.engine.ModerationQueue(actor, discussion, status, minFlags,
		(page-1)*pageSize, pageSize)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{
		"items":      posts,
		"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
	})
}

// ModerateBatch applies approve, spam or delete to a batch of posts.
func (d *DiscussionController) ModerateBatch(ctx *gin.Context) {
	discussion, ok := d.discussionByMount(ctx)
	if !ok {
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	var req struct {
		PostIDs []uint `json:"post_ids" binding:"required,min=1"`
		Action  string `json:"action" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40027, "invalid request payload")
		return
	}

	if err := d.engine.ModerateBatch(actor, utils.UniqueUint(req.PostIDs), req.Action); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrPermissionDenied) {
			utils.FromError(ctx, err)
			return
		}
		utils.Error(ctx, http.StatusBadRequest, 40028, err.Error())
		return
	}
	utils.Success(ctx, gin.H{"message": "moderation applied"})
}

// UploadAttachment streams the uploaded file into the blob store and
// attaches it to the post.
func (d *DiscussionController) UploadAttachment(ctx *gin.Context) {
	post, ok := d.postByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(post.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}

	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40029, "missing file field")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	defer f.Close()

	att, err := d.engine.Attach(actor, post, fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"), f)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, att)
}

// DownloadAttachment streams an attachment's bytes back to the client,
// gated by the owning thread's read permission.
func (d *DiscussionController) DownloadAttachment(ctx *gin.Context) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		utils.Error(ctx, http.StatusBadRequest, 40031, "invalid attachment id")
		return
	}
	var row models.Attachment
	if err := d.db.First(&row, id).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40440, "attachment not found")
		return
	}
	post, err := d.engine.Post(row.PostID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if !d.guardThreadRead(ctx, post.ThreadID) {
		return
	}
	att, rc, err := d.engine.OpenAttachment(uint(id))
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	defer rc.Close()

	ctx.Header("Content-Disposition", "attachment; filename=\""+att.Filename+"\"")
	ctx.DataFromReader(http.StatusOK, att.Size, fallback(att.ContentType, "application/octet-stream"), rc, nil)
}

// DeleteAttachment removes an attachment row and blob.
func (d *DiscussionController) DeleteAttachment(ctx *gin.Context) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		utils.Error(ctx, http.StatusBadRequest, 40031, "invalid attachment id")
		return
	}
	var att models.Attachment
	if err := d.db.First(&att, id).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40440, "attachment not found")
		return
	}
	discussion, err := d.engine.Discussion(att.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	if err := d.engine.DeleteAttachment(actor, att.ID); err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"message": "attachment deleted"})
}

// ThreadFeed returns the thread's change events, newest first.
func (d *DiscussionController) ThreadFeed(ctx *gin.Context) {
	thread, ok := d.threadByID(ctx)
	if !ok {
		return
	}
	discussion, err := d.engine.Discussion(thread.DiscussionID)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	actor, ok := d.actorFor(ctx, discussion.ProjectID)
	if !ok {
		return
	}
	canRead, err := d.engine.CanRead(actor, thread)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	if !canRead {
		utils.Error(ctx, http.StatusForbidden, 40301, "permission denied")
		return
	}

	threadID := thread.ID
	d.serveFeed(ctx, feeds.Filter{ThreadID: &threadID})
}

// ProjectFeed returns the project's change events, newest first.
func (d *DiscussionController) ProjectFeed(ctx *gin.Context) {
	shortname := strings.TrimSpace(ctx.Param("project"))
	var project models.Project
	if err := d.db.Where("shortname = ? AND deleted = ?", shortname, false).First(&project).Error; err != nil {
		utils.Error(ctx, http.StatusNotFound, 40404, "project not found")
		return
	}
	d.serveFeed(ctx, feeds.Filter{ProjectID: project.ID})
}

func (d *DiscussionController) serveFeed(ctx *gin.Context, filter feeds.Filter) {
	page, pageSize := pagination(ctx, 25)
	window := feeds.Window{Offset: (page - 1) * pageSize, Limit: pageSize}
	if v := strings.TrimSpace(ctx.Query("since")); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			window.Since = &t
		}
	}
	if v := strings.TrimSpace(ctx.Query("until")); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			window.Until = &t
		}
	}

	events, total, err := d.projector.Feed(filter, window)
	if err != nil {
		utils.FromError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{
		"items":      events,
		"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
	})
}

func (d *DiscussionController) canModerate(actor discuss.Actor, discussion *models.Discussion) bool {
	var tc models.ToolConfig
	if err := d.db.First(&tc, discussion.ToolConfigID).Error; err != nil {
		return false
	}
	return rbac.Allowed(actor.Roles, models.PermModerate, nil, tc.ReadACL())
}
