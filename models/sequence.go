package models

import (
	"time"

	"gorm.io/gorm"
)

// SeqUserUID names the counter handing out public user uids.
const SeqUserUID = "user_uid"

// Sequence is a named monotonic counter. The increment happens inside a
// single UPDATE so concurrent callers never observe the same value; this
// replaces read-modify-write counter bumps, which lose updates under
// concurrent requests.
type Sequence struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Value     int64     `gorm:"default:0" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextSequence atomically increments the named counter and returns the new
// value, creating the counter on first use. Increment and read-back share
// one transaction, so the row lock taken by the UPDATE pins the value until
// it has been read; two concurrent callers can never return the same value.
// Concurrent first-use creation is resolved by the usual upsert pattern:
// insert, swallow the duplicate, retry the increment.
func NextSequence(db *gorm.DB, name string) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var value int64
		var bumped bool
		err := db.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Sequence{}).Where("name = ?", name).
				UpdateColumn("value", gorm.Expr("value + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			bumped = true
			var seq Sequence
			if err := tx.Where("name = ?", name).First(&seq).Error; err != nil {
				return err
			}
			value = seq.Value
			return nil
		})
		if err != nil {
			return 0, err
		}
		if bumped {
			return value, nil
		}
		// Counter does not exist yet. Create it and loop back to the
		// atomic increment; a concurrent creator just makes this insert
		// a no-op.
		if err := db.Create(&Sequence{Name: name}).Error; err != nil {
			var existing Sequence
			if ferr := db.Where("name = ?", name).First(&existing).Error; ferr != nil {
				return 0, err
			}
		}
	}
	return 0, gorm.ErrRecordNotFound
}
