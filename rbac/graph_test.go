package rbac_test

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeboard/forgeboard/models"
	"github.com/forgeboard/forgeboard/rbac"
)

var dbSeq int

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:rbac_%d?mode=memory&cache=shared", dbSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.ProjectRole{},
		&models.ToolConfig{},
	))
	return db
}

func seedProject(t *testing.T, db *gorm.DB) *models.Project {
	t.Helper()
	p := models.Project{Shortname: "test", Name: "Test"}
	require.NoError(t, db.Create(&p).Error)
	return &p
}

func seedUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	u := models.User{Username: name, UID: int64(len(name) * 1000)}
	require.NoError(t, db.Create(&u).Error)
	return &u
}

func TestResolveSeeds(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)

	anon, err := graph.UpsertNamedRole(project.ID, models.RoleAnonymous)
	require.NoError(t, err)
	auth, err := graph.UpsertNamedRole(project.ID, models.RoleAuthenticated)
	require.NoError(t, err)

	user := seedUser(t, db, "alice")
	proxy, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)

	t.Run("anonymous visitor only gets *anonymous", func(t *testing.T) {
		roles, err := graph.Resolve(models.Anonymous(), project.ID)
		require.NoError(t, err)
		assert.True(t, roles.Contains(anon.ID))
		assert.False(t, roles.Contains(auth.ID))
		assert.False(t, roles.Contains(proxy.ID))
	})

	t.Run("logged-in user gets all three seeds", func(t *testing.T) {
		roles, err := graph.Resolve(user, project.ID)
		require.NoError(t, err)
		assert.True(t, roles.Contains(anon.ID))
		assert.True(t, roles.Contains(auth.ID))
		assert.True(t, roles.Contains(proxy.ID))
	})

	t.Run("nil user counts as anonymous", func(t *testing.T) {
		roles, err := graph.Resolve(nil, project.ID)
		require.NoError(t, err)
		assert.True(t, roles.Contains(anon.ID))
		assert.False(t, roles.Contains(auth.ID))
	})
}

func TestResolveFollowsDelegation(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)
	user := seedUser(t, db, "bob")

	admin, err := graph.UpsertNamedRole(project.ID, "Admin")
	require.NoError(t, err)
	dev, err := graph.UpsertNamedRole(project.ID, "Developer")
	require.NoError(t, err)
	member, err := graph.UpsertNamedRole(project.ID, "Member")
	require.NoError(t, err)

	require.NoError(t, graph.AddDelegate(admin, dev.ID))
	require.NoError(t, graph.AddDelegate(dev, member.ID))

	proxy, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, graph.AddDelegate(proxy, admin.ID))

	roles, err := graph.Resolve(user, project.ID)
	require.NoError(t, err)
	assert.True(t, roles.Contains(admin.ID))
	assert.True(t, roles.Contains(dev.ID))
	assert.True(t, roles.Contains(member.ID), "transitive delegation must be reached")
}

func TestResolveTerminatesOnCycle(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)
	user := seedUser(t, db, "carol")

	a, err := graph.UpsertNamedRole(project.ID, "A")
	require.NoError(t, err)
	b, err := graph.UpsertNamedRole(project.ID, "B")
	require.NoError(t, err)

	// A -> B -> A in stored data
	require.NoError(t, graph.AddDelegate(a, b.ID))
	require.NoError(t, graph.AddDelegate(b, a.ID))

	proxy, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, graph.AddDelegate(proxy, a.ID))

	roles, err := graph.Resolve(user, project.ID)
	require.NoError(t, err)
	assert.True(t, roles.Contains(a.ID))
	assert.True(t, roles.Contains(b.ID))
}

func TestResolveTerminatesOnSelfLoop(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)
	user := seedUser(t, db, "dave")

	a, err := graph.UpsertNamedRole(project.ID, "Loop")
	require.NoError(t, err)
	require.NoError(t, graph.AddDelegate(a, a.ID))

	proxy, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, graph.AddDelegate(proxy, a.ID))

	roles, err := graph.Resolve(user, project.ID)
	require.NoError(t, err)
	assert.True(t, roles.Contains(a.ID))
}

func TestUpsertNamedRoleIdempotent(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)

	first, err := graph.UpsertNamedRole(project.ID, "Developer")
	require.NoError(t, err)
	second, err := graph.UpsertNamedRole(project.ID, "Developer")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.ProjectRole{}).
		Where("project_id = ? AND name = ?", project.ID, "Developer").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpsertUserRoleIdempotent(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)
	user := seedUser(t, db, "erin")

	first, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)
	second, err := graph.UpsertUserRole(project.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestDelegateEditing(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)

	a, err := graph.UpsertNamedRole(project.ID, "A")
	require.NoError(t, err)
	b, err := graph.UpsertNamedRole(project.ID, "B")
	require.NoError(t, err)

	require.NoError(t, graph.AddDelegate(a, b.ID))
	// Re-adding the edge is a no-op
	require.NoError(t, graph.AddDelegate(a, b.ID))
	assert.Equal(t, []uint{b.ID}, a.DelegatedIDs())

	require.NoError(t, graph.RemoveDelegate(a, b.ID))
	assert.Empty(t, a.DelegatedIDs())
	// Removing a missing edge is a no-op
	require.NoError(t, graph.RemoveDelegate(a, b.ID))
}

func TestRoleUniquenessEnforcedByIndex(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)

	t.Run("duplicate named role is rejected", func(t *testing.T) {
		require.NoError(t, db.Create(&models.ProjectRole{ProjectID: project.ID, Name: "Admin"}).Error)
		err := db.Create(&models.ProjectRole{ProjectID: project.ID, Name: "Admin"}).Error
		require.Error(t, err, "second insert must hit the name index")

		var count int64
		require.NoError(t, db.Model(&models.ProjectRole{}).
			Where("project_id = ? AND name = ?", project.ID, "Admin").
			Count(&count).Error)
		assert.EqualValues(t, 1, count)
	})

	t.Run("duplicate user proxy is rejected", func(t *testing.T) {
		user := seedUser(t, db, "frank")
		proxy, err := graph.UpsertUserRole(project.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, models.UserRoleName(user.ID), proxy.Name)

		err = db.Create(&models.ProjectRole{
			ProjectID: project.ID,
			UserID:    &user.ID,
			Name:      "shadow",
		}).Error
		require.Error(t, err, "second proxy row for the user must hit the user index")
	})

	t.Run("distinct named roles without users coexist", func(t *testing.T) {
		_, err := graph.UpsertNamedRole(project.ID, "Developer")
		require.NoError(t, err)
		_, err = graph.UpsertNamedRole(project.ID, "Member")
		require.NoError(t, err)
	})
}

func TestRoleByName(t *testing.T) {
	db := openDB(t)
	graph := rbac.NewRoleGraph(db)
	project := seedProject(t, db)

	_, err := graph.RoleByName(project.ID, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	created, err := graph.UpsertNamedRole(project.ID, "Member")
	require.NoError(t, err)
	found, err := graph.RoleByName(project.ID, "Member")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}
