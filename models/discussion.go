package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Post moderation states. Deletion is not a state: a deleted post is
// removed outright together with its attachments.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusSpam    = "spam"
)

// Discussion is a named collection of threads scoped to one mounted tool.
// It is created when the tool is installed and destroyed, cascading to
// threads, posts and attachments, when the tool is uninstalled.
type Discussion struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ToolConfigID uint      `gorm:"index;not null" json:"tool_config_id"`
	ProjectID    uint      `gorm:"index;not null" json:"project_id"`
	Shortname    string    `gorm:"size:64;index" json:"shortname"`
	Name         string    `gorm:"size:255" json:"name"`
	Description  string    `gorm:"type:text" json:"description"`
	ModerateNew  bool      `gorm:"default:false" json:"moderate_new"`
	NumTopics    int       `gorm:"default:0" json:"num_topics"`
	NumPosts     int       `gorm:"default:0" json:"num_posts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Thread holds an ordered reply tree of posts. Counters are denormalized
// and corrected by recomputation after moderation. The optional ACL column
// overrides the tool-level ACL per permission key.
type Thread struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	DiscussionID  uint           `gorm:"index;not null" json:"discussion_id"`
	Subject       string         `gorm:"size:255" json:"subject"`
	NumReplies    int            `gorm:"default:0" json:"num_replies"`
	NumViews      int            `gorm:"default:0" json:"num_views"`
	Subscriptions datatypes.JSON `json:"subscriptions"`
	Labels        datatypes.JSON `json:"labels"`
	ACL           datatypes.JSON `json:"acl,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SubscriberIDs decodes the subscription list.
func (t *Thread) SubscriberIDs() []uint {
	if len(t.Subscriptions) == 0 {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal(t.Subscriptions, &ids); err != nil {
		return nil
	}
	return ids
}

// SetSubscriberIDs encodes and stores the subscription list on the struct.
func (t *Thread) SetSubscriberIDs(ids []uint) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	t.Subscriptions = datatypes.JSON(b)
	return nil
}

// LabelList decodes the free-text labels.
func (t *Thread) LabelList() []string {
	if len(t.Labels) == 0 {
		return nil
	}
	var labels []string
	if err := json.Unmarshal(t.Labels, &labels); err != nil {
		return nil
	}
	return labels
}

// SetLabelList encodes and stores the labels on the struct.
func (t *Thread) SetLabelList(labels []string) error {
	b, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	t.Labels = datatypes.JSON(b)
	return nil
}

// ReadACL decodes the thread-level ACL override.
func (t *Thread) ReadACL() ACL {
	return DecodeACL(t.ACL)
}

// Post is a single message within a thread. Slug encodes the reply position
// as a path of nonces, one segment per nesting level. FullSlug is the same
// path with each segment prefixed by a fixed-width creation timestamp, so
// its string order is depth-first with siblings in chronological order.
// Edits never overwrite history: the pre-edit state is snapshotted first.
type Post struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ThreadID     uint           `gorm:"index;not null" json:"thread_id"`
	DiscussionID uint           `gorm:"index;not null" json:"discussion_id"`
	Slug         string         `gorm:"size:255;index" json:"slug"`
	FullSlug     string         `gorm:"size:1024;index" json:"-"`
	ParentID     *uint          `gorm:"index" json:"parent_id,omitempty"`
	AuthorID     uint           `gorm:"index;not null" json:"author_id"`
	Subject      string         `gorm:"size:255" json:"subject"`
	Text         string         `gorm:"type:text" json:"text"`
	Status       string         `gorm:"size:16;default:'ok';index" json:"status"`
	Version      int            `gorm:"default:0" json:"version"`
	Flags        int            `gorm:"default:0" json:"flags"`
	FlaggedBy    datatypes.JSON `json:"flagged_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// FlaggedByIDs decodes the set of users who flagged this post.
func (p *Post) FlaggedByIDs() []uint {
	if len(p.FlaggedBy) == 0 {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal(p.FlaggedBy, &ids); err != nil {
		return nil
	}
	return ids
}

// SetFlaggedByIDs encodes and stores the flagging user set on the struct.
func (p *Post) SetFlaggedByIDs(ids []uint) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	p.FlaggedBy = datatypes.JSON(b)
	return nil
}

// PostSnapshot is one entry of a post's append-only version history,
// capturing the state as it was before an edit.
type PostSnapshot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"index;not null" json:"post_id"`
	Version   int       `gorm:"not null" json:"version"`
	AuthorID  uint      `json:"author_id"`
	Subject   string    `gorm:"size:255" json:"subject"`
	Text      string    `gorm:"type:text" json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment records one uploaded blob owned by exactly one post. The bytes
// live on disk under BlobPath; the row is only written after the blob has
// been fully persisted, so a row always references a complete blob.
type Attachment struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PostID       uint      `gorm:"index;not null" json:"post_id"`
	DiscussionID uint      `gorm:"index;not null" json:"discussion_id"`
	Filename     string    `gorm:"size:255;not null" json:"filename"`
	ContentType  string    `gorm:"size:128" json:"content_type"`
	Size         int64     `json:"size"`
	BlobPath     string    `gorm:"size:1024;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
