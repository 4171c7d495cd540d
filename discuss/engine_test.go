package discuss_test

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeboard/forgeboard/discuss"
	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
)

var dbSeq int

// captureSink records projected feed events and purge calls for assertions.
type captureSink struct {
	events []*models.FeedEvent
	purged []uint
}

func (c *captureSink) Record(evt *models.FeedEvent) error {
	c.events = append(c.events, evt)
	return nil
}

func (c *captureSink) Purge(threadIDs []uint) error {
	c.purged = append(c.purged, threadIDs...)
	return nil
}

type fixture struct {
	db         *gorm.DB
	graph      *rbac.RoleGraph
	engine     *discuss.Engine
	sink       *captureSink
	project    *models.Project
	tool       *models.ToolConfig
	discussion *models.Discussion
	admin      *models.User
	member     *models.User
}

func newFixture(t *testing.T, moderateNew bool) *fixture {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:discuss_%d?mode=memory&cache=shared", dbSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.ProjectRole{},
		&models.ToolConfig{}, &models.Discussion{}, &models.Thread{},
		&models.Post{}, &models.PostSnapshot{}, &models.Attachment{},
		&models.FeedEvent{}, &models.Sequence{},
	))

	store, err := discuss.NewBlobStore(t.TempDir(), 0)
	require.NoError(t, err)

	sink := &captureSink{}
	engine := discuss.NewEngine(db, store, nil, sink, nil)
	graph := rbac.NewRoleGraph(db)

	f := &fixture{db: db, graph: graph, engine: engine, sink: sink}

	f.project = &models.Project{Shortname: "proj"}
	require.NoError(t, db.Create(f.project).Error)

	f.admin = &models.User{Username: "admin", UID: 1}
	f.member = &models.User{Username: "member", UID: 2}
	require.NoError(t, db.Create(f.admin).Error)
	require.NoError(t, db.Create(f.member).Error)

	anon, err := graph.UpsertNamedRole(f.project.ID, models.RoleAnonymous)
	require.NoError(t, err)
	auth, err := graph.UpsertNamedRole(f.project.ID, models.RoleAuthenticated)
	require.NoError(t, err)
	proxy, err := graph.UpsertUserRole(f.project.ID, f.admin.ID)
	require.NoError(t, err)

	acl := models.ACL{}
	for _, perm := range []string{
		models.PermRead, models.PermWrite, models.PermPost,
		models.PermComment, models.PermModerate, models.PermConfigure,
	} {
		acl.Grant(perm, proxy.ID)
	}
	acl.Grant(models.PermRead, anon.ID)
	acl.Grant(models.PermComment, auth.ID)
	acl.Grant(models.PermPost, auth.ID)

	f.tool = &models.ToolConfig{ProjectID: f.project.ID, Tool: "forum", MountPoint: "discussion"}
	require.NoError(t, f.tool.WriteACL(acl))
	require.NoError(t, db.Create(f.tool).Error)

	f.discussion, err = engine.CreateDiscussion(f.tool, "discussion", "General")
	require.NoError(t, err)
	if moderateNew {
		require.NoError(t, db.Model(f.discussion).Update("moderate_new", true).Error)
		f.discussion.ModerateNew = true
	}
	return f
}

func (f *fixture) actor(t *testing.T, user *models.User) discuss.Actor {
	t.Helper()
	roles, err := f.graph.Resolve(user, f.project.ID)
	require.NoError(t, err)
	return discuss.Actor{User: user, Roles: roles}
}

func TestNewThreadAndCounters(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, post, err := f.engine.NewThread(actor, f.discussion, "hello", "first post")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, post.Status)
	assert.NotEmpty(t, post.Slug)
	assert.NotContains(t, post.Slug, "/", "topic post slug has a single segment")

	d, err := f.engine.Discussion(f.discussion.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.NumTopics)
	assert.Equal(t, 1, d.NumPosts)
	assert.Equal(t, 0, thread.NumReplies)
}

func TestNewThreadDeniedForAnonymous(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, models.Anonymous())

	_, _, err := f.engine.NewThread(actor, f.discussion, "nope", "text")
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	var count int64
	require.NoError(t, f.db.Model(&models.Thread{}).Count(&count).Error)
	assert.Zero(t, count, "denied operation must not leave rows behind")
}

func TestAddPostSlugNesting(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, topic, err := f.engine.NewThread(actor, f.discussion, "t", "topic")
	require.NoError(t, err)

	reply, err := f.engine.AddPost(actor, thread, &topic.ID, "", "reply")
	require.NoError(t, err)
	assert.Equal(t, topic.Slug+"/", reply.Slug[:len(topic.Slug)+1],
		"reply slug extends the parent slug")

	nested, err := f.engine.AddPost(actor, thread, &reply.ID, "", "deeper")
	require.NoError(t, err)
	assert.Contains(t, nested.Slug, reply.Slug+"/")

	fresh, err := f.engine.AddPost(actor, thread, nil, "", "sibling topic-level")
	require.NoError(t, err)
	assert.NotContains(t, fresh.Slug, "/")

	got, err := f.engine.Thread(thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NumReplies)
}

func TestAddPostRejectsForeignParent(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	t1, _, err := f.engine.NewThread(actor, f.discussion, "one", "x")
	require.NoError(t, err)
	_, p2, err := f.engine.NewThread(actor, f.discussion, "two", "y")
	require.NoError(t, err)

	_, err = f.engine.AddPost(actor, t1, &p2.ID, "", "cross-thread reply")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestModerationQueueGating(t *testing.T) {
	f := newFixture(t, true)
	member := f.actor(t, f.member)
	admin := f.actor(t, f.admin)

	_, memberPost, err := f.engine.NewThread(member, f.discussion, "m", "needs review")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, memberPost.Status,
		"non-moderator posts queue when moderate_new is on")
	assert.Empty(t, f.sink.events, "pending posts must not reach the feed")

	_, adminPost, err := f.engine.NewThread(admin, f.discussion, "a", "goes straight in")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, adminPost.Status,
		"moderators bypass the queue")
	assert.Len(t, f.sink.events, 1)
}

func TestEditPostVersionHistory(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	_, post, err := f.engine.NewThread(actor, f.discussion, "subj", "v0")
	require.NoError(t, err)

	const edits = 4
	for i := 1; i <= edits; i++ {
		require.NoError(t, f.engine.EditPost(actor, post, "subj", fmt.Sprintf("v%d", i)))
	}

	assert.Equal(t, edits, post.Version)
	snaps, err := f.engine.History(post.ID)
	require.NoError(t, err)
	require.Len(t, snaps, edits, "one snapshot per edit")
	for i, snap := range snaps {
		assert.Equal(t, i, snap.Version)
		assert.Equal(t, fmt.Sprintf("v%d", i), snap.Text,
			"snapshot holds the pre-edit state")
	}

	got, err := f.engine.Post(post.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("v%d", edits), got.Text)
}

func TestEditPostPermissions(t *testing.T) {
	f := newFixture(t, false)
	member := f.actor(t, f.member)
	admin := f.actor(t, f.admin)

	_, post, err := f.engine.NewThread(member, f.discussion, "s", "original")
	require.NoError(t, err)

	other := &models.User{Username: "other", UID: 3}
	require.NoError(t, f.db.Create(other).Error)
	stranger := f.actor(t, other)

	err = f.engine.EditPost(stranger, post, "s", "hijacked")
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	got, err := f.engine.Post(post.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Text, "denied edit must not mutate")

	require.NoError(t, f.engine.EditPost(admin, post, "s", "moderated edit"))
}

func TestFlagIdempotent(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	_, post, err := f.engine.NewThread(actor, f.discussion, "s", "text")
	require.NoError(t, err)

	require.NoError(t, f.engine.Flag(post, f.admin.ID))
	require.NoError(t, f.engine.Flag(post, f.admin.ID))
	require.NoError(t, f.engine.Flag(post, f.admin.ID))

	got, err := f.engine.Post(post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Flags, "repeat flags by the same user must not count")

	require.NoError(t, f.engine.Flag(got, f.member.ID))
	got, err = f.engine.Post(post.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Flags)
}

func TestModerateBatch(t *testing.T) {
	f := newFixture(t, true)
	member := f.actor(t, f.member)
	admin := f.actor(t, f.admin)

	thread, topic, err := f.engine.NewThread(member, f.discussion, "s", "pending topic")
	require.NoError(t, err)
	reply, err := f.engine.AddPost(member, thread, nil, "", "pending reply")
	require.NoError(t, err)

	t.Run("requires moderate", func(t *testing.T) {
		err := f.engine.ModerateBatch(member, []uint{topic.ID}, discuss.ActionApprove)
		assert.ErrorIs(t, err, models.ErrPermissionDenied)
	})

	t.Run("approve moves pending to ok and is a no-op when repeated", func(t *testing.T) {
		require.NoError(t, f.engine.ModerateBatch(admin, []uint{topic.ID, reply.ID}, discuss.ActionApprove))
		got, err := f.engine.Post(topic.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOK, got.Status)

		require.NoError(t, f.engine.ModerateBatch(admin, []uint{topic.ID}, discuss.ActionApprove))
		again, err := f.engine.Post(topic.ID)
		require.NoError(t, err)
		assert.Equal(t, got.UpdatedAt, again.UpdatedAt, "second approve must not touch the row")
	})

	t.Run("spam hides the post and counters recompute", func(t *testing.T) {
		require.NoError(t, f.engine.ModerateBatch(admin, []uint{reply.ID}, discuss.ActionSpam))
		got, err := f.engine.Thread(thread.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.NumReplies, "spam reply no longer counts")
	})

	t.Run("delete removes the post and its trail", func(t *testing.T) {
		require.NoError(t, f.engine.ModerateBatch(admin, []uint{reply.ID}, discuss.ActionDelete))
		_, err := f.engine.Post(reply.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		err := f.engine.ModerateBatch(admin, []uint{topic.ID}, "shred")
		assert.Error(t, err)
	})
}

func TestFlagThreadAsSpam(t *testing.T) {
	f := newFixture(t, false)
	member := f.actor(t, f.member)
	admin := f.actor(t, f.admin)

	thread, topic, err := f.engine.NewThread(member, f.discussion, "s", "spammy")
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.FlagThreadAsSpam(member, thread), models.ErrPermissionDenied)

	require.NoError(t, f.engine.FlagThreadAsSpam(admin, thread))
	got, err := f.engine.Post(topic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSpam, got.Status)
}

func TestSubscribeToggle(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, _, err := f.engine.NewThread(actor, f.discussion, "s", "text")
	require.NoError(t, err)

	require.NoError(t, f.engine.Subscribe(thread, f.member.ID, true))
	require.NoError(t, f.engine.Subscribe(thread, f.member.ID, true))
	got, err := f.engine.Thread(thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{f.member.ID}, got.SubscriberIDs())

	require.NoError(t, f.engine.Subscribe(got, f.member.ID, false))
	got, err = f.engine.Thread(thread.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SubscriberIDs())
}

func TestViewCounter(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, _, err := f.engine.NewThread(actor, f.discussion, "s", "text")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		thread, err = f.engine.ViewThread(thread.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, thread.NumViews)
}

func TestThreadACLOverride(t *testing.T) {
	f := newFixture(t, false)
	admin := f.actor(t, f.admin)
	member := f.actor(t, f.member)

	thread, _, err := f.engine.NewThread(admin, f.discussion, "private", "hidden")
	require.NoError(t, err)

	// Restrict read on this thread to the admin's proxy role only.
	proxy, err := f.graph.UpsertUserRole(f.project.ID, f.admin.ID)
	require.NoError(t, err)
	restricted := models.ACL{models.PermRead: {proxy.ID}}
	raw, err := restricted.Encode()
	require.NoError(t, err)
	require.NoError(t, f.db.Model(thread).Update("acl", raw).Error)

	thread, err = f.engine.Thread(thread.ID)
	require.NoError(t, err)

	canRead, err := f.engine.CanRead(member, thread)
	require.NoError(t, err)
	assert.False(t, canRead, "thread ACL must override the container grant")

	canRead, err = f.engine.CanRead(admin, thread)
	require.NoError(t, err)
	assert.True(t, canRead)
}

func TestDestroyDiscussionCascades(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, topic, err := f.engine.NewThread(actor, f.discussion, "s", "text")
	require.NoError(t, err)
	_, err = f.engine.AddPost(actor, thread, &topic.ID, "", "reply")
	require.NoError(t, err)
	require.NoError(t, f.engine.EditPost(actor, topic, "s", "edited"))

	require.NoError(t, f.engine.DestroyDiscussion(f.discussion.ID))

	for _, table := range []struct {
		name  string
		model interface{}
	}{
		{"discussions", &models.Discussion{}},
		{"threads", &models.Thread{}},
		{"posts", &models.Post{}},
		{"snapshots", &models.PostSnapshot{}},
		{"attachments", &models.Attachment{}},
	} {
		var count int64
		require.NoError(t, f.db.Model(table.model).Count(&count).Error)
		assert.Zero(t, count, "leftover %s after destroy", table.name)
	}

	assert.Equal(t, []uint{thread.ID}, f.sink.purged,
		"feed events of destroyed threads must be purged")
}

func TestPostsDepthFirstOrder(t *testing.T) {
	f := newFixture(t, false)
	actor := f.actor(t, f.member)

	thread, topic, err := f.engine.NewThread(actor, f.discussion, "s", "topic")
	require.NoError(t, err)
	first, err := f.engine.AddPost(actor, thread, &topic.ID, "", "first reply")
	require.NoError(t, err)
	second, err := f.engine.AddPost(actor, thread, &topic.ID, "", "second reply")
	require.NoError(t, err)
	nested, err := f.engine.AddPost(actor, thread, &first.ID, "", "reply to first")
	require.NoError(t, err)

	posts, err := f.engine.Posts(thread, false)
	require.NoError(t, err)
	require.Len(t, posts, 4)

	got := make([]uint, len(posts))
	for i := range posts {
		got[i] = posts[i].ID
	}
	assert.Equal(t, []uint{topic.ID, first.ID, nested.ID, second.ID}, got,
		"replies nest under their parent and siblings keep creation order")
}
