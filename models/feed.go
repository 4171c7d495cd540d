package models

import "time"

// FeedEvent is one entry of a project's change feed: an artifact created or
// updated, or a post committed to a thread. Events are written by the
// discussion engine and the tool adapters and read back, newest first, by
// the feed projector.
type FeedEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectID   uint      `gorm:"index;not null" json:"project_id"`
	RefType     string    `gorm:"size:32;index:idx_feed_ref" json:"ref_type"`
	RefID       uint      `gorm:"index:idx_feed_ref" json:"ref_id"`
	ThreadID    *uint     `gorm:"index" json:"thread_id,omitempty"`
	Title       string    `gorm:"size:255" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Link        string    `gorm:"size:512" json:"link"`
	AuthorID    uint      `json:"author_id"`
	Pubdate     time.Time `gorm:"index" json:"pubdate"`
}
