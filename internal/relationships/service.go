// Package relationships stores the directed WAVE/FOLLOW/BLOCK graph between
// users and answers who may exchange direct messages.
package relationships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wavelink/backend/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Type is the kind of a directed relationship edge.
type Type string

const (
	TypeWave   Type = "WAVE"
	TypeFollow Type = "FOLLOW"
	TypeBlock  Type = "BLOCK"
)

// ErrInvalidRelationship indicates an edge that cannot be stored.
var ErrInvalidRelationship = errors.New("relationships: invalid relationship")

// Relationship is the edge From -> To.
type Relationship struct {
	FromID    snowflake.ID `gorm:"column:from_id;primaryKey;autoIncrement:false"`
	ToID      snowflake.ID `gorm:"column:to_id;primaryKey;autoIncrement:false;index"`
	Type      Type         `gorm:"column:type;size:16;not null"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing relationship edges.
func (Relationship) TableName() string {
	return "user_relationships"
}

// ServiceConfig describes the relationship service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service reads and writes relationship edges.
type Service struct {
	db *gorm.DB
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("relationships: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// Set creates or replaces the edge from -> to.
func (s *Service) Set(ctx context.Context, from, to snowflake.ID, kind Type) error {
	if from == to {
		return fmt.Errorf("%w: self relationship", ErrInvalidRelationship)
	}
	switch kind {
	case TypeWave, TypeFollow, TypeBlock:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidRelationship, kind)
	}
	edge := Relationship{FromID: from, ToID: to, Type: kind}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"type", "updated_at"}),
		}).
		Create(&edge).Error
}

// Remove deletes the edge from -> to if present.
func (s *Service) Remove(ctx context.Context, from, to snowflake.ID) error {
	return s.db.WithContext(ctx).
		Where("from_id = ? AND to_id = ?", from, to).
		Delete(&Relationship{}).Error
}

// AllowedToMessage reports whether a and b may exchange direct messages:
// both directed edges must exist and neither may be a BLOCK.
func (s *Service) AllowedToMessage(ctx context.Context, a, b snowflake.ID) (bool, error) {
	if a == b {
		return false, nil
	}
	return s.mutualEdges(ctx, a, b)
}

// AreMutual is AllowedToMessage that also treats a user as mutual with
// themselves.
func (s *Service) AreMutual(ctx context.Context, a, b snowflake.ID) (bool, error) {
	if a == b {
		return true, nil
	}
	return s.mutualEdges(ctx, a, b)
}

func (s *Service) mutualEdges(ctx context.Context, a, b snowflake.ID) (bool, error) {
	var edges []Relationship
	err := s.db.WithContext(ctx).
		Where("(from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)", a, b, b, a).
		Find(&edges).Error
	if err != nil {
		return false, err
	}
	if len(edges) != 2 {
		return false, nil
	}
	for _, edge := range edges {
		if edge.Type == TypeBlock {
			return false, nil
		}
	}
	return true, nil
}
