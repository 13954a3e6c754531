package script

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Compile-time check that GormRepository implements Repository.
var _ Repository = (*GormRepository)(nil)

type scriptRecord struct {
	ID        string   `gorm:"primaryKey;type:text"`
	Owner     string   `gorm:"type:text;not null;index"`
	TotalSec  int      `gorm:"not null"`
	SceneIDs  []string `gorm:"serializer:json;type:text"`
	Status    string   `gorm:"type:text;not null;index"`
	OutputRef string   `gorm:"type:text"`
	Error     string   `gorm:"type:text"`
	Version   int64    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (scriptRecord) TableName() string { return "scripts" }

// GormRepository stores scripts with gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository on db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the scripts table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&scriptRecord{}); err != nil {
		return fmt.Errorf("migrate scripts: %w", err)
	}
	return nil
}

// Create inserts s with Version 1.
func (r *GormRepository) Create(ctx context.Context, s *Script) error {
	s.mu.Lock()
	s.Version = 1
	s.mu.Unlock()

	rec := toRecord(s)
	var n int64
	if err := r.db.WithContext(ctx).Model(&scriptRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("check script %s: %w", rec.ID, err)
	}
	if n > 0 {
		return ErrScriptExists
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert script %s: %w", rec.ID, err)
	}
	return nil
}

// Save updates s when the stored version matches.
func (r *GormRepository) Save(ctx context.Context, s *Script) error {
	s.mu.Lock()
	expected := s.Version
	s.Version++
	s.mu.Unlock()

	rec := toRecord(s)
	res := r.db.WithContext(ctx).
		Model(&scriptRecord{ID: rec.ID}).
		Where("version = ?", expected).
		Select("*").Omit("id", "created_at").
		Updates(&rec)
	if res.Error == nil && res.RowsAffected == 1 {
		return nil
	}

	s.mu.Lock()
	s.Version = expected
	s.mu.Unlock()
	if res.Error != nil {
		return fmt.Errorf("update script %s: %w", rec.ID, res.Error)
	}
	if _, err := r.FindByID(ctx, rec.ID); errors.Is(err, ErrScriptNotFound) {
		return ErrScriptNotFound
	}
	return ErrConcurrentUpdate
}

// FindByID loads a script.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Script, error) {
	var rec scriptRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// ListByStatus returns scripts in the given statuses, oldest first.
func (r *GormRepository) ListByStatus(ctx context.Context, statuses ...Status) ([]*Script, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	var recs []scriptRecord
	if err := r.db.WithContext(ctx).Where("status IN ?", names).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	out := make([]*Script, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func toRecord(s *Script) scriptRecord {
	c := s.Clone()
	return scriptRecord{
		ID:        c.ID,
		Owner:     c.Owner,
		TotalSec:  c.TotalSec,
		SceneIDs:  c.SceneIDs,
		Status:    string(c.Status),
		OutputRef: c.OutputRef,
		Error:     c.Error,
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (rec *scriptRecord) toDomain() *Script {
	return &Script{
		ID:        rec.ID,
		Owner:     rec.Owner,
		TotalSec:  rec.TotalSec,
		SceneIDs:  rec.SceneIDs,
		Status:    Status(rec.Status),
		OutputRef: rec.OutputRef,
		Error:     rec.Error,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func sortScripts(list []*Script) {
	slices.SortFunc(list, func(a, b *Script) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}
