package feeds

import (
	"time"

	"gorm.io/gorm"

	"github.com/forgeboard/forgeboard/models"
)

// Filter narrows a feed query. Zero-valued fields are ignored.
type Filter struct {
	ProjectID uint
	RefType   string
	RefID     uint
	ThreadID  *uint
	AuthorID  *uint
}

// Window bounds and pages a feed query. Since/Until are inclusive bounds on
// the publication time; a nil bound is open.
type Window struct {
	Since  *time.Time
	Until  *time.Time
	Offset int
	Limit  int
}

// Projector appends change events to the activity feed and serves windowed
// queries over it, newest first. Events are denormalized at write time so
// reads never join back to the source rows.
type Projector struct {
	db *gorm.DB
}

// NewProjector creates a feed projector backed by the given database.
func NewProjector(db *gorm.DB) *Projector {
	return &Projector{db: db}
}

// Record appends one event. A zero Pubdate is stamped with the current
// time.
func (p *Projector) Record(evt *models.FeedEvent) error {
	if evt.Pubdate.IsZero() {
		evt.Pubdate = time.Now().UTC()
	}
	return p.db.Create(evt).Error
}

// Feed returns events matching the filter within the window, ordered by
// publication time descending, plus the total count before paging.
func (p *Projector) Feed(f Filter, w Window) ([]models.FeedEvent, int64, error) {
	q := p.db.Model(&models.FeedEvent{})
	if f.ProjectID != 0 {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.RefType != "" {
		q = q.Where("ref_type = ?", f.RefType)
		if f.RefID != 0 {
			q = q.Where("ref_id = ?", f.RefID)
		}
	}
	if f.ThreadID != nil {
		q = q.Where("thread_id = ?", *f.ThreadID)
	}
	if f.AuthorID != nil {
		q = q.Where("author_id = ?", *f.AuthorID)
	}
	if w.Since != nil {
		q = q.Where("pubdate >= ?", *w.Since)
	}
	if w.Until != nil {
		q = q.Where("pubdate <= ?", *w.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := w.Limit
	if limit <= 0 {
		limit = 25
	}
	var events []models.FeedEvent
	err := q.Order("pubdate DESC, id DESC").Offset(w.Offset).Limit(limit).Find(&events).Error
	return events, total, err
}

// Purge removes all events referencing the given thread. Used when a tool
// is uninstalled and its history should not linger in project feeds.
func (p *Projector) Purge(threadIDs []uint) error {
	if len(threadIDs) == 0 {
		return nil
	}
	return p.db.Where("thread_id IN ?", threadIDs).Delete(&models.FeedEvent{}).Error
}
