package database

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("span record not found")

// SpanRepository persists span configurations
type SpanRepository struct {
	db *gorm.DB
}

func NewSpanRepository(db *gorm.DB) *SpanRepository {
	return &SpanRepository{db: db}
}

// List returns every record in creation order
func (r *SpanRepository) List() ([]SpanRecord, error) {
	var recs []SpanRecord
	if err := r.db.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *SpanRepository) Get(driver, address string) (*SpanRecord, error) {
	var rec SpanRecord
	err := r.db.Where("driver = ? AND address = ?", driver, address).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, driver, address)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert creates a record or updates channels and timing of an existing one
func (r *SpanRepository) Upsert(rec *SpanRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	rec.Sanitize()
	if !rec.IsValid() {
		return fmt.Errorf("record is not valid: %s", rec)
	}
	rec.UpdatedAt = time.Now()

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "driver"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"channels", "timing", "updated_at"}),
	}).Create(rec).Error
}

// SetTiming updates the timing priority of a stored record
func (r *SpanRepository) SetTiming(driver, address string, timing int) error {
	res := r.db.Model(&SpanRecord{}).
		Where("driver = ? AND address = ?", driver, address).
		Updates(map[string]any{"timing": timing, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, driver, address)
	}
	return nil
}

func (r *SpanRepository) Delete(driver, address string) error {
	res := r.db.Where("driver = ? AND address = ?", driver, address).Delete(&SpanRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, driver, address)
	}
	return nil
}

func (r *SpanRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&SpanRecord{}).Count(&count).Error
	return count, err
}
