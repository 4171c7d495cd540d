package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project is the top-level container. Tools (tracker, wiki, forum) are
// mounted into a project via ToolConfig entries.
type Project struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Shortname string         `gorm:"size:64;uniqueIndex;not null" json:"shortname"`
	Name      string         `gorm:"size:255" json:"name"`
	Summary   string         `gorm:"size:512" json:"summary"`
	Deleted   bool           `gorm:"default:false" json:"deleted"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ToolConfig describes one tool mounted into a project. Its ACL column is
// the container-level ACL that artifacts fall back to when they define no
// entry of their own for a permission.
type ToolConfig struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ProjectID  uint           `gorm:"index:idx_tool_mount,unique;not null" json:"project_id"`
	Tool       string         `gorm:"size:32;not null" json:"tool"`
	MountPoint string         `gorm:"size:64;index:idx_tool_mount,unique;not null" json:"mount_point"`
	ACL        datatypes.JSON `json:"acl"`
	Options    datatypes.JSON `json:"options,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ReadACL decodes the container ACL. A missing or empty column yields an
// empty ACL, which denies everything.
func (tc *ToolConfig) ReadACL() ACL {
	return DecodeACL(tc.ACL)
}

// WriteACL encodes and stores the container ACL on the struct. The caller
// still has to persist the row.
func (tc *ToolConfig) WriteACL(acl ACL) error {
	b, err := json.Marshal(acl)
	if err != nil {
		return err
	}
	tc.ACL = datatypes.JSON(b)
	return nil
}
