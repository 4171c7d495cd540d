package rbac

import (
	"errors"

	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/models"
)

// RoleGraph stores per-project roles and their delegation edges and
// resolves a user's effective role set.
type RoleGraph struct {
	db *gorm.DB
}

// NewRoleGraph creates a RoleGraph backed by the given database.
func NewRoleGraph(db *gorm.DB) *RoleGraph {
	return &RoleGraph{db: db}
}

// RoleSet is the effective, transitively-closed set of role ids for one
// resolution request. It is a set: membership only, no ordering.
type RoleSet map[uint]struct{}

// Contains reports membership of a role id.
func (s RoleSet) Contains(id uint) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the member ids in unspecified order.
func (s RoleSet) IDs() []uint {
	ids := make([]uint, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// Resolve computes the user's effective role set within the project. The
// seed is the *anonymous role (granted to every visitor), plus, for a
// logged-in user, the *authenticated role and the user's proxy role. The
// walk over delegation edges keeps a visited set so that cycles in stored
// data terminate instead of looping.
func (g *RoleGraph) Resolve(user *models.User, projectID uint) (RoleSet, error) {
	seeds := make([]uint, 0, 3)

	anon, err := g.byName(projectID, models.RoleAnonymous)
	if err != nil {
		return nil, err
	}
	if anon != nil {
		seeds = append(seeds, anon.ID)
	}

	if !user.IsAnonymous() {
		auth, err := g.byName(projectID, models.RoleAuthenticated)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			seeds = append(seeds, auth.ID)
		}
		var proxy models.ProjectRole
		err = g.db.Where("project_id = ? AND user_id = ?", projectID, user.ID).First(&proxy).Error
		if err == nil {
			seeds = append(seeds, proxy.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return g.closure(seeds)
}

// closure walks delegation edges breadth-first from the seed ids. Roles are
// loaded in batches; ids already visited are never re-queued, which bounds
// the walk even when the stored graph contains cycles.
func (g *RoleGraph) closure(seeds []uint) (RoleSet, error) {
	visited := make(RoleSet, len(seeds))
	frontier := append([]uint(nil), seeds...)
	for len(frontier) > 0 {
		pending := frontier[:0:0]
		for _, id := range frontier {
			if !visited.Contains(id) {
				visited[id] = struct{}{}
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		var batch []models.ProjectRole
		if err := g.db.Where("id IN ?", pending).Find(&batch).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for i := range batch {
			for _, next := range batch[i].DelegatedIDs() {
				if !visited.Contains(next) {
					frontier = append(frontier, next)
				}
			}
		}
	}
	return visited, nil
}

func (g *RoleGraph) byName(projectID uint, name string) (*models.ProjectRole, error) {
	var role models.ProjectRole
	err := g.db.Where("project_id = ? AND name = ?", projectID, name).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// RoleByName returns the named role within the project, or ErrNotFound.
func (g *RoleGraph) RoleByName(projectID uint, name string) (*models.ProjectRole, error) {
	role, err := g.byName(projectID, name)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, models.ErrNotFound
	}
	return role, nil
}

// UpsertNamedRole returns the named role within the project, creating it if
// missing. A concurrent create racing on the unique index is recovered by
// re-fetching the winner's row; the caller never sees the duplicate error.
func (g *RoleGraph) UpsertNamedRole(projectID uint, name string) (*models.ProjectRole, error) {
	role, err := g.byName(projectID, name)
	if err != nil {
		return nil, err
	}
	if role != nil {
		return role, nil
	}
	candidate := models.ProjectRole{ProjectID: projectID, Name: name}
	if createErr := g.db.Create(&candidate).Error; createErr != nil {
		role, err = g.byName(projectID, name)
		if err != nil {
			return nil, err
		}
		if role == nil {
			return nil, createErr
		}
		return role, nil
	}
	return &candidate, nil
}

// UpsertUserRole returns the user's proxy role within the project, creating
// it if missing, with the same duplicate-key recovery as UpsertNamedRole.
func (g *RoleGraph) UpsertUserRole(projectID, userID uint) (*models.ProjectRole, error) {
	fetch := func() (*models.ProjectRole, error) {
		var role models.ProjectRole
		err := g.db.Where("project_id = ? AND user_id = ?", projectID, userID).First(&role).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &role, nil
	}

	role, err := fetch()
	if err != nil {
		return nil, err
	}
	if role != nil {
		return role, nil
	}
	candidate := models.ProjectRole{
		ProjectID: projectID,
		UserID:    &userID,
		Name:      models.UserRoleName(userID),
	}
	if createErr := g.db.Create(&candidate).Error; createErr != nil {
		role, err = fetch()
		if err != nil {
			return nil, err
		}
		if role == nil {
			return nil, createErr
		}
		return role, nil
	}
	return &candidate, nil
}

// AddDelegate adds a delegation edge role -> delegate, so that resolving
// through role also reaches delegate's permissions. Adding an existing edge
// is a no-op.
func (g *RoleGraph) AddDelegate(role *models.ProjectRole, delegateID uint) error {
	ids := role.DelegatedIDs()
	for _, id := range ids {
		if id == delegateID {
			return nil
		}
	}
	if err := role.SetDelegatedIDs(append(ids, delegateID)); err != nil {
		return err
	}
	return g.db.Model(role).Update("roles", role.Roles).Error
}

// RemoveDelegate removes a delegation edge if present.
func (g *RoleGraph) RemoveDelegate(role *models.ProjectRole, delegateID uint) error {
	ids := role.DelegatedIDs()
	kept := ids[:0]
	for _, id := range ids {
		if id != delegateID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	if err := role.SetDelegatedIDs(kept); err != nil {
		return err
	}
	return g.db.Model(role).Update("roles", role.Roles).Error
}
