package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wavelink/backend/internal/snowflake"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates no user exists with the requested id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidUser indicates the supplied account fields are unusable.
	ErrInvalidUser = errors.New("users: invalid user")
)

// IDGenerator mints user identifiers.
type IDGenerator interface {
	Next(ctx context.Context) (snowflake.ID, error)
}

// ServiceConfig describes the dependencies required for user lookups.
type ServiceConfig struct {
	Database *gorm.DB
	IDs      IDGenerator
	Clock    func() time.Time
}

// Service reads and creates user accounts.
type Service struct {
	db  *gorm.DB
	ids IDGenerator
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		ids: cfg.IDs,
		now: clock,
	}, nil
}

// FindByID loads a user.
func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Create stores a new account. passwordHash is produced by the caller.
func (s *Service) Create(ctx context.Context, email, name, passwordHash string) (User, error) {
	if s.ids == nil {
		return User{}, fmt.Errorf("users: id generator required")
	}
	email = strings.ToLower(normalize(email))
	name = normalize(name)
	if email == "" || name == "" || passwordHash == "" {
		return User{}, ErrInvalidUser
	}
	id, err := s.ids.Next(ctx)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	user := User{
		ID:           id,
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdatePasswordHash replaces the stored hash, invalidating issued tokens.
func (s *Service) UpdatePasswordHash(ctx context.Context, id snowflake.ID, passwordHash string) error {
	if passwordHash == "" {
		return ErrInvalidUser
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"password":   passwordHash,
			"updated_at": s.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
