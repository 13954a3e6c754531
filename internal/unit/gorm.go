package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Compile-time check that GormRepository implements Repository.
var _ Repository = (*GormRepository)(nil)

// unitRecord is the generation_units row.
type unitRecord struct {
	ID            string `gorm:"primaryKey;type:text"`
	Owner         string `gorm:"type:text;not null;index"`
	Kind          string `gorm:"type:text;not null"`
	Provider      string `gorm:"type:text;not null"`
	DurationSec   int
	Resolution    string `gorm:"type:text"`
	Variant       string `gorm:"type:text"`
	Audio         bool
	Prompt        string `gorm:"type:text"`
	Characters    int
	Status        string `gorm:"type:text;not null;index"`
	ExternalJobID string `gorm:"type:text"`
	ResultRef     string `gorm:"type:text"`
	Charged       bool   `gorm:"not null"`
	Error         string `gorm:"type:text"`
	ScriptID      string `gorm:"type:text;index"`
	SceneIndex    int
	Included      bool
	Narrative     string `gorm:"type:text"`
	Visual        string `gorm:"type:text"`
	Style         string `gorm:"type:text"`
	Deadline      *time.Time
	Version       int64 `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TableName sets the database table name.
func (unitRecord) TableName() string { return "generation_units" }

// GormRepository persists units with gorm. Saves are compare-and-swap on Version,
// so two writers can never both apply a change to the same row.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository on db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the generation_units table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&unitRecord{}); err != nil {
		return fmt.Errorf("migrate generation_units: %w", err)
	}
	return nil
}

// Create inserts a new unit row.
func (r *GormRepository) Create(ctx context.Context, u *Unit) error {
	u.mu.Lock()
	u.Version = 1
	u.mu.Unlock()

	rec := toRecord(u)
	var count int64
	if err := r.db.WithContext(ctx).Model(&unitRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("check unit %s: %w", rec.ID, err)
	}
	if count > 0 {
		return ErrUnitExists
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert unit %s: %w", rec.ID, err)
	}
	return nil
}

// Save updates every column when the stored version still matches.
func (r *GormRepository) Save(ctx context.Context, u *Unit) error {
	u.mu.Lock()
	expected := u.Version
	u.Version++
	u.mu.Unlock()

	rec := toRecord(u)
	res := r.db.WithContext(ctx).
		Model(&unitRecord{ID: rec.ID}).
		Where("version = ?", expected).
		Select("*").Omit("id", "created_at").
		Updates(&rec)
	if res.Error != nil {
		r.rollbackVersion(u, expected)
		return fmt.Errorf("update unit %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		r.rollbackVersion(u, expected)
		if _, err := r.FindByID(ctx, rec.ID); errors.Is(err, ErrUnitNotFound) {
			return ErrUnitNotFound
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *GormRepository) rollbackVersion(u *Unit, v int64) {
	u.mu.Lock()
	u.Version = v
	u.mu.Unlock()
}

// FindByID loads a unit.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Unit, error) {
	var rec unitRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load unit %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// List returns matching units ordered by script, scene index and creation time.
func (r *GormRepository) List(ctx context.Context, f Filter) ([]*Unit, error) {
	q := r.db.WithContext(ctx).Model(&unitRecord{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ScriptID != "" {
		q = q.Where("script_id = ?", f.ScriptID)
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.Uncharged {
		q = q.Where("charged = ?", false)
	}

	var recs []unitRecord
	if err := q.Order("script_id, scene_index, created_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make([]*Unit, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func toRecord(u *Unit) unitRecord {
	c := u.Clone()
	return unitRecord{
		ID:            c.ID,
		Owner:         c.Owner,
		Kind:          string(c.Kind),
		Provider:      c.Provider,
		DurationSec:   c.Config.DurationSec,
		Resolution:    c.Config.Resolution,
		Variant:       c.Config.Variant,
		Audio:         c.Config.Audio,
		Prompt:        c.Config.Prompt,
		Characters:    c.Config.Characters,
		Status:        string(c.Status),
		ExternalJobID: c.ExternalJobID,
		ResultRef:     c.ResultRef,
		Charged:       c.Charged,
		Error:         c.Error,
		ScriptID:      c.ScriptID,
		SceneIndex:    c.SceneIndex,
		Included:      c.Included,
		Narrative:     c.Narrative,
		Visual:        c.Visual,
		Style:         c.Style,
		Deadline:      timePtr(c.Deadline),
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		StartedAt:     timePtr(c.StartedAt),
		CompletedAt:   timePtr(c.CompletedAt),
	}
}

func (rec *unitRecord) toDomain() *Unit {
	return &Unit{
		ID:       rec.ID,
		Owner:    rec.Owner,
		Kind:     Kind(rec.Kind),
		Provider: rec.Provider,
		Config: Config{
			DurationSec: rec.DurationSec,
			Resolution:  rec.Resolution,
			Variant:     rec.Variant,
			Audio:       rec.Audio,
			Prompt:      rec.Prompt,
			Characters:  rec.Characters,
		},
		Status:        Status(rec.Status),
		ExternalJobID: rec.ExternalJobID,
		ResultRef:     rec.ResultRef,
		Charged:       rec.Charged,
		Error:         rec.Error,
		ScriptID:      rec.ScriptID,
		SceneIndex:    rec.SceneIndex,
		Included:      rec.Included,
		Narrative:     rec.Narrative,
		Visual:        rec.Visual,
		Style:         rec.Style,
		Deadline:      derefTime(rec.Deadline),
		Version:       rec.Version,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		StartedAt:     derefTime(rec.StartedAt),
		CompletedAt:   derefTime(rec.CompletedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
