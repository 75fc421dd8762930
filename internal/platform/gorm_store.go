package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&platformRow{}); err != nil {
		return fmt.Errorf("migrate platform store: %w", err)
	}
	return nil
}

func (s *GormStore) Put(ctx context.Context, p Platform) error {
	row, err := rowFromPlatform(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "version", "schema_version", "enabled", "config_json", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *GormStore) Get(ctx context.Context, name string) (Platform, error) {
	var row platformRow
	if err := s.db.WithContext(ctx).Where("name = ?", name).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Platform{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Platform{}, fmt.Errorf("get platform: %w", err)
	}
	return row.toPlatform()
}

func (s *GormStore) List(ctx context.Context) ([]Platform, error) {
	var rows []platformRow
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	out := make([]Platform, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPlatform()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type platformRow struct {
	Name          string    `gorm:"primaryKey;size:64"`
	DisplayName   string    `gorm:"size:191;not null"`
	Version       string    `gorm:"size:64"`
	SchemaVersion string    `gorm:"size:64"`
	Enabled       bool      `gorm:"not null"`
	ConfigJSON    string    `gorm:"column:config_json;type:text"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (platformRow) TableName() string {
	return "platforms"
}

func rowFromPlatform(p Platform) (platformRow, error) {
	var configJSON string
	if len(p.Config) > 0 {
		data, err := json.Marshal(p.Config)
		if err != nil {
			return platformRow{}, fmt.Errorf("encode platform config: %w", err)
		}
		configJSON = string(data)
	}
	return platformRow{
		Name:          p.Name,
		DisplayName:   p.DisplayName,
		Version:       p.Version,
		SchemaVersion: p.SchemaVersion,
		Enabled:       p.Enabled,
		ConfigJSON:    configJSON,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}, nil
}

func (r platformRow) toPlatform() (Platform, error) {
	p := Platform{
		Name:          r.Name,
		DisplayName:   r.DisplayName,
		Version:       r.Version,
		SchemaVersion: r.SchemaVersion,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(r.ConfigJSON), &p.Config); err != nil {
			return Platform{}, fmt.Errorf("decode platform %s config: %w", r.Name, err)
		}
	}
	return p, nil
}
