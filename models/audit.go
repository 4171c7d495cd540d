package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AuditLog records administrative actions (role edits, tool install and
// uninstall) per project. Rows are write-only from the application's point
// of view; operators read them directly.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID uint      `gorm:"index" json:"project_id"`
	UserID    uint      `json:"user_id"`
	URL       string    `gorm:"size:512" json:"url"`
	Message   string    `gorm:"size:1024" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit appends an audit log entry. Failures are returned to the caller but
// are typically logged and ignored; auditing never blocks the action itself.
func Audit(db *gorm.DB, projectID, userID uint, url, format string, args ...interface{}) error {
	return db.Create(&AuditLog{
		ProjectID: projectID,
		UserID:    userID,
		URL:       url,
		Message:   fmt.Sprintf(format, args...),
	}).Error
}
