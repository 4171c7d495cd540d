package discuss

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
)

// Moderation batch actions.
const (
	ActionApprove = "approve"
	ActionSpam    = "spam"
	ActionDelete  = "delete"
)

// Actor is the acting user together with their resolved role set. Adapters
// resolve roles once per request via rbac.RoleGraph and pass the result
// down; the engine never reads ambient request state.
type Actor struct {
	User  *models.User
	Roles rbac.RoleSet
}

// Notifier accepts fire-and-forget background jobs. The engine only
// enqueues; delivery is an external collaborator's concern.
type Notifier interface {
	Enqueue(job string, args map[string]interface{})
}

// EventSink receives change events for feed projection and purges the
// events of threads that have been destroyed.
type EventSink interface {
	Record(evt *models.FeedEvent) error
	Purge(threadIDs []uint) error
}

// Engine owns discussions, threads and posts: reply trees, version history,
// subscriptions, the moderation state machine and attachment lifecycle.
// Every mutating operation checks permissions before touching storage.
type Engine struct {
	db       *gorm.DB
	store    *BlobStore
	notifier Notifier
	sink     EventSink
	log      *zap.SugaredLogger
}

// NewEngine creates a discussion engine. notifier and sink may be nil when
// notification delivery or feed projection is not wired (tests, one-off
// tools); logger nil falls back to a no-op logger.
func NewEngine(db *gorm.DB, store *BlobStore, notifier Notifier, sink EventSink, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{db: db, store: store, notifier: notifier, sink: sink, log: log}
}

// CreateDiscussion creates the discussion backing a mounted tool. Called at
// tool install time.
func (e *Engine) CreateDiscussion(tc *models.ToolConfig, shortname, name string) (*models.Discussion, error) {
	d := models.Discussion{
		ToolConfigID: tc.ID,
		ProjectID:    tc.ProjectID,
		Shortname:    shortname,
		Name:         name,
	}
	if err := e.db.Create(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// DestroyDiscussion removes the discussion and everything it owns: threads,
// posts, version history, attachments and their blobs. Called at tool
// uninstall time.
func (e *Engine) DestroyDiscussion(discussionID uint) error {
	var attachments []models.Attachment
	if err := e.db.Where("discussion_id = ?", discussionID).Find(&attachments).Error; err != nil {
		return err
	}
	var threadIDs []uint
	if err := e.db.Model(&models.Thread{}).Where("discussion_id = ?", discussionID).
		Pluck("id", &threadIDs).Error; err != nil {
		return err
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var postIDs []uint
		if err := tx.Model(&models.Post{}).Where("discussion_id = ?", discussionID).
			Pluck("id", &postIDs).Error; err != nil {
			return err
		}
		if len(postIDs) > 0 {
			if err := tx.Where("post_id IN ?", postIDs).Delete(&models.PostSnapshot{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("discussion_id = ?", discussionID).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("discussion_id = ?", discussionID).Delete(&models.Post{}).Error; err != nil {
			return err
		}
		if err := tx.Where("discussion_id = ?", discussionID).Delete(&models.Thread{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Discussion{}, discussionID).Error
	})
	if err != nil {
		return err
	}
	// Blobs are removed only after the rows are gone; a leftover file with
	// no row is harmless, the reverse is not.
	for _, a := range attachments {
		e.store.Remove(a.BlobPath)
	}
	// Feed events referencing the destroyed threads go with them. Purge is
	// best-effort like Record; the cascade above already committed.
	if e.sink != nil && len(threadIDs) > 0 {
		if err := e.sink.Purge(threadIDs); err != nil {
			e.log.Warnf("feed purge failed for discussion %d: %v", discussionID, err)
		}
	}
	return nil
}

// Discussion loads a discussion by id.
func (e *Engine) Discussion(id uint) (*models.Discussion, error) {
	var d models.Discussion
	if err := e.db.First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// Thread loads a thread by id.
func (e *Engine) Thread(id uint) (*models.Thread, error) {
	var t models.Thread
	if err := e.db.First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Post loads a post by id.
func (e *Engine) Post(id uint) (*models.Post, error) {
	var p models.Post
	if err := e.db.First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// NewThread opens a thread with its topic post. Requires the post
// permission on the discussion's container ACL.
func (e *Engine) NewThread(actor Actor, discussion *models.Discussion, subject, text string) (*models.Thread, *models.Post, error) {
	containerACL, err := e.containerACL(discussion)
	if err != nil {
		return nil, nil, err
	}
	if !rbac.Allowed(actor.Roles, models.PermPost, nil, containerACL) {
		return nil, nil, models.ErrPermissionDenied
	}

	thread := models.Thread{DiscussionID: discussion.ID, Subject: subject}
	if err := e.db.Create(&thread).Error; err != nil {
		return nil, nil, err
	}
	slug, fullSlug := slugPair(nil)
	post := models.Post{
		ThreadID:     thread.ID,
		DiscussionID: discussion.ID,
		Slug:         slug,
		FullSlug:     fullSlug,
		AuthorID:     actor.User.ID,
		Subject:      subject,
		Text:         text,
		Status:       e.initialStatus(actor, discussion, containerACL),
	}
	if err := e.db.Create(&post).Error; err != nil {
		return nil, nil, err
	}
	if err := e.db.Model(discussion).UpdateColumns(map[string]interface{}{
		"num_topics": gorm.Expr("num_topics + 1"),
		"num_posts":  gorm.Expr("num_posts + 1"),
	}).Error; err != nil {
		return nil, nil, err
	}
	e.commit(discussion, &thread, &post, "created thread")
	return &thread, &post, nil
}

// AddPost appends a post to the thread, as a reply to parent when given.
// Requires the post permission (thread ACL first, container fallback). The
// slug extends the parent's slug so the reply tree position is encoded in
// the path; the reply counter is bumped with an atomic SQL increment.
func (e *Engine) AddPost(actor Actor, thread *models.Thread, parentID *uint, subject, text string) (*models.Post, error) {
	discussion, containerACL, err := e.threadContext(thread)
	if err != nil {
		return nil, err
	}
	if !rbac.Allowed(actor.Roles, models.PermPost, thread.ReadACL(), containerACL) {
		return nil, models.ErrPermissionDenied
	}

	var parent *models.Post
	if parentID != nil {
		var p models.Post
		if err := e.db.First(&p, *parentID).Error; err != nil {
			return nil, notFound(err)
		}
		if p.ThreadID != thread.ID {
			return nil, models.ErrNotFound
		}
		parent = &p
	}
	slug, fullSlug := slugPair(parent)

	post := models.Post{
		ThreadID:     thread.ID,
		DiscussionID: thread.DiscussionID,
		Slug:         slug,
		FullSlug:     fullSlug,
		ParentID:     parentID,
		AuthorID:     actor.User.ID,
		Subject:      subject,
		Text:         text,
		Status:       e.initialStatus(actor, discussion, containerACL),
	}
	if err := e.db.Create(&post).Error; err != nil {
		return nil, err
	}
	if err := e.db.Model(thread).
		UpdateColumn("num_replies", gorm.Expr("num_replies + 1")).Error; err != nil {
		return nil, err
	}
	if err := e.db.Model(&models.Discussion{ID: thread.DiscussionID}).
		UpdateColumn("num_posts", gorm.Expr("num_posts + 1")).Error; err != nil {
		return nil, err
	}
	e.commit(discussion, thread, &post, "posted")
	return &post, nil
}

// EditPost applies new subject/text to the post, snapshotting the pre-edit
// state first so the version history stays an append-only audit trail.
// Authors may edit their own posts; anyone else needs moderate.
func (e *Engine) EditPost(actor Actor, post *models.Post, subject, text string) error {
	thread, err := e.Thread(post.ThreadID)
	if err != nil {
		return err
	}
	discussion, containerACL, err := e.threadContext(thread)
	if err != nil {
		return err
	}
	if actor.User.IsAnonymous() || actor.User.ID != post.AuthorID {
		if !rbac.Allowed(actor.Roles, models.PermModerate, thread.ReadACL(), containerACL) {
			return models.ErrPermissionDenied
		}
	}

	return e.db.Transaction(func(tx *gorm.DB) error {
		snapshot := models.PostSnapshot{
			PostID:   post.ID,
			Version:  post.Version,
			AuthorID: post.AuthorID,
			Subject:  post.Subject,
			Text:     post.Text,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}
		post.Subject = subject
		post.Text = text
		post.Version++
		if err := tx.Model(post).Updates(map[string]interface{}{
			"subject": post.Subject,
			"text":    post.Text,
			"version": post.Version,
		}).Error; err != nil {
			return err
		}
		e.commit(discussion, thread, post, "edited post")
		return nil
	})
}

// History returns the post's version snapshots, oldest first.
func (e *Engine) History(postID uint) ([]models.PostSnapshot, error) {
	var snaps []models.PostSnapshot
	err := e.db.Where("post_id = ?", postID).Order("version ASC").Find(&snaps).Error
	return snaps, err
}

// Flag records that the user flagged the post. Idempotent per user: a
// second flag from the same user changes nothing.
func (e *Engine) Flag(post *models.Post, userID uint) error {
	ids := post.FlaggedByIDs()
	for _, id := range ids {
		if id == userID {
			return nil
		}
	}
	if err := post.SetFlaggedByIDs(append(ids, userID)); err != nil {
		return err
	}
	post.Flags++
	return e.db.Model(post).Updates(map[string]interface{}{
		"flags":      post.Flags,
		"flagged_by": post.FlaggedBy,
	}).Error
}

// ModerateBatch applies one action uniformly to the posts. approve and spam
// are no-ops for posts already in the target state; delete always removes
// the post, its history and attachments. Requires moderate on every
// affected thread. Thread counters are recomputed afterwards.
func (e *Engine) ModerateBatch(actor Actor, postIDs []uint, action string) error {
	if action != ActionApprove && action != ActionSpam && action != ActionDelete {
		return fmt.Errorf("unknown moderation action %q", action)
	}
	var posts []models.Post
	if err := e.db.Where("id IN ?", postIDs).Find(&posts).Error; err != nil {
		return err
	}

	// Permission pass over all affected threads before any mutation.
	threads := map[uint]*models.Thread{}
	for i := range posts {
		if _, ok := threads[posts[i].ThreadID]; ok {
			continue
		}
		thread, err := e.Thread(posts[i].ThreadID)
		if err != nil {
			return err
		}
		_, containerACL, err := e.threadContext(thread)
		if err != nil {
			return err
		}
		if !rbac.Allowed(actor.Roles, models.PermModerate, thread.ReadACL(), containerACL) {
			return models.ErrPermissionDenied
		}
		threads[thread.ID] = thread
	}

	for i := range posts {
		post := &posts[i]
		switch action {
		case ActionApprove:
			if post.Status != models.StatusOK {
				if err := e.db.Model(post).Update("status", models.StatusOK).Error; err != nil {
					return err
				}
			}
		case ActionSpam:
			if post.Status != models.StatusSpam {
				if err := e.db.Model(post).Update("status", models.StatusSpam).Error; err != nil {
					return err
				}
			}
		case ActionDelete:
			if err := e.deletePost(post); err != nil {
				return err
			}
		}
	}

	for _, thread := range threads {
		if err := e.recomputeStats(thread); err != nil {
			return err
		}
	}
	return nil
}

// FlagThreadAsSpam marks the thread's topic post as spam. Requires
// moderate.
func (e *Engine) FlagThreadAsSpam(actor Actor, thread *models.Thread) error {
	_, containerACL, err := e.threadContext(thread)
	if err != nil {
		return err
	}
	if !rbac.Allowed(actor.Roles, models.PermModerate, thread.ReadACL(), containerACL) {
		return models.ErrPermissionDenied
	}
	var first models.Post
	err = e.db.Where("thread_id = ? AND parent_id IS NULL", thread.ID).
		Order("created_at ASC").First(&first).Error
	if err != nil {
		return notFound(err)
	}
	if err := e.db.Model(&first).Update("status", models.StatusSpam).Error; err != nil {
		return err
	}
	return e.recomputeStats(thread)
}

// ModerationQueue lists posts of the discussion filtered by status and
// minimum flag count, windowed by offset/limit. Requires moderate on the
// discussion's container.
func (e *Engine) ModerationQueue(actor Actor, discussion *models.Discussion, status string, minFlags, offset, limit int) ([]models.Post, int64, error) {
	containerACL, err := e.containerACL(discussion)
	if err != nil {
		return nil, 0, err
	}
	if !rbac.Allowed(actor.Roles, models.PermModerate, nil, containerACL) {
		return nil, 0, models.ErrPermissionDenied
	}
	q := e.db.Model(&models.Post{}).Where("discussion_id = ?", discussion.ID)
	if status != "" && status != "-" {
		q = q.Where("status = ?", status)
	}
	if minFlags > 0 {
		q = q.Where("flags >= ?", minFlags)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	var posts []models.Post
	err = q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&posts).Error
	return posts, total, err
}

// Subscribe sets or clears the user's subscription on the thread.
// Subscription only affects notification delivery, never visibility.
func (e *Engine) Subscribe(thread *models.Thread, userID uint, subscribed bool) error {
	ids := thread.SubscriberIDs()
	kept := make([]uint, 0, len(ids)+1)
	found := false
	for _, id := range ids {
		if id == userID {
			found = true
			if !subscribed {
				continue
			}
		}
		kept = append(kept, id)
	}
	if subscribed && !found {
		kept = append(kept, userID)
	}
	if subscribed == found {
		return nil
	}
	if err := thread.SetSubscriberIDs(kept); err != nil {
		return err
	}
	return e.db.Model(thread).Update("subscriptions", thread.Subscriptions).Error
}

// SetLabels replaces the thread's free-text labels. Requires post.
func (e *Engine) SetLabels(actor Actor, thread *models.Thread, labels []string) error {
	_, containerACL, err := e.threadContext(thread)
	if err != nil {
		return err
	}
	if !rbac.Allowed(actor.Roles, models.PermPost, thread.ReadACL(), containerACL) {
		return models.ErrPermissionDenied
	}
	if err := thread.SetLabelList(labels); err != nil {
		return err
	}
	return e.db.Model(thread).Update("labels", thread.Labels).Error
}

// ViewThread bumps the thread's view counter atomically and returns the
// fresh row. The counter is best-effort under concurrency by design.
func (e *Engine) ViewThread(threadID uint) (*models.Thread, error) {
	if err := e.db.Model(&models.Thread{ID: threadID}).
		UpdateColumn("num_views", gorm.Expr("num_views + 1")).Error; err != nil {
		return nil, err
	}
	return e.Thread(threadID)
}

// Posts returns the thread's posts ordered for depth-first display. The
// full slug groups replies under their parent and its timestamp prefix
// puts siblings in chronological order.
func (e *Engine) Posts(thread *models.Thread, includeHidden bool) ([]models.Post, error) {
	q := e.db.Where("thread_id = ?", thread.ID)
	if !includeHidden {
		q = q.Where("status = ?", models.StatusOK)
	}
	var posts []models.Post
	err := q.Order("full_slug ASC").Find(&posts).Error
	return posts, err
}

// Threads lists the discussion's threads, newest first.
func (e *Engine) Threads(discussion *models.Discussion, offset, limit int) ([]models.Thread, int64, error) {
	q := e.db.Model(&models.Thread{}).Where("discussion_id = ?", discussion.ID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 25
	}
	var threads []models.Thread
	err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&threads).Error
	return threads, total, err
}

// CanRead reports whether the actor may read the thread. Exposed for
// adapters serving reads without going through a mutating operation.
func (e *Engine) CanRead(actor Actor, thread *models.Thread) (bool, error) {
	_, containerACL, err := e.threadContext(thread)
	if err != nil {
		return false, err
	}
	return rbac.Allowed(actor.Roles, models.PermRead, thread.ReadACL(), containerACL), nil
}

// deletePost removes the post, its snapshots and attachments. Blob files
// are removed after the rows.
func (e *Engine) deletePost(post *models.Post) error {
	var attachments []models.Attachment
	if err := e.db.Where("post_id = ?", post.ID).Find(&attachments).Error; err != nil {
		return err
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", post.ID).Delete(&models.PostSnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", post.ID).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Post{}, post.ID).Error
	})
	if err != nil {
		return err
	}
	for _, a := range attachments {
		e.store.Remove(a.BlobPath)
	}
	return nil
}

// recomputeStats rewrites the thread's denormalized reply counter from the
// surviving visible posts. Used after moderation, where increments cannot
// be replayed.
func (e *Engine) recomputeStats(thread *models.Thread) error {
	var visible int64
	if err := e.db.Model(&models.Post{}).
		Where("thread_id = ? AND status = ?", thread.ID, models.StatusOK).
		Count(&visible).Error; err != nil {
		return err
	}
	replies := int(visible) - 1
	if replies < 0 {
		replies = 0
	}
	return e.db.Model(thread).UpdateColumn("num_replies", replies).Error
}

// initialStatus returns pending when the discussion runs a moderation queue
// and the author cannot moderate, ok otherwise.
func (e *Engine) initialStatus(actor Actor, discussion *models.Discussion, containerACL models.ACL) string {
	if discussion != nil && discussion.ModerateNew &&
		!rbac.Allowed(actor.Roles, models.PermModerate, nil, containerACL) {
		return models.StatusPending
	}
	return models.StatusOK
}

// threadContext loads the discussion and container ACL backing a thread.
func (e *Engine) threadContext(thread *models.Thread) (*models.Discussion, models.ACL, error) {
	discussion, err := e.Discussion(thread.DiscussionID)
	if err != nil {
		return nil, nil, err
	}
	acl, err := e.containerACL(discussion)
	if err != nil {
		return nil, nil, err
	}
	return discussion, acl, nil
}

func (e *Engine) containerACL(discussion *models.Discussion) (models.ACL, error) {
	var tc models.ToolConfig
	if err := e.db.First(&tc, discussion.ToolConfigID).Error; err != nil {
		return nil, notFound(err)
	}
	return tc.ReadACL(), nil
}

// commit records the change into the feed and enqueues subscriber
// notification. Both are best-effort: a failed projection or enqueue never
// fails the mutation that already happened.
func (e *Engine) commit(discussion *models.Discussion, thread *models.Thread, post *models.Post, what string) {
	if post.Status != models.StatusOK {
		return
	}
	if e.sink != nil {
		threadID := thread.ID
		evt := &models.FeedEvent{
			ProjectID:   discussion.ProjectID,
			RefType:     "post",
			RefID:       post.ID,
			ThreadID:    &threadID,
			Title:       fmt.Sprintf("%s: %s", what, thread.Subject),
			Description: post.Text,
			Link:        fmt.Sprintf("/d/%d/thread/%d/%s", discussion.ID, thread.ID, post.Slug),
			AuthorID:    post.AuthorID,
			Pubdate:     time.Now().UTC(),
		}
		if err := e.sink.Record(evt); err != nil {
			e.log.Warnf("feed projection failed for post %d: %v", post.ID, err)
		}
	}
	if e.notifier != nil {
		subscribers := thread.SubscriberIDs()
		if len(subscribers) > 0 {
			e.notifier.Enqueue("discussion.post", map[string]interface{}{
				"thread_id":   thread.ID,
				"post_id":     post.ID,
				"subscribers": subscribers,
			})
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

// nonce returns one slug path segment.
func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// fullSlugTimeFormat is fixed-width down to nanoseconds, so comparing two
// full slug segments as strings compares their creation times.
const fullSlugTimeFormat = "20060102150405.000000000"

// slugPair returns the slug and full slug for a new post, extending the
// parent's paths when replying.
func slugPair(parent *models.Post) (slug, fullSlug string) {
	seg := nonce()
	stamped := time.Now().UTC().Format(fullSlugTimeFormat) + ":" + seg
	if parent != nil {
		return parent.Slug + "/" + seg, parent.FullSlug + "/" + stamped
	}
	return seg, stamped
}
