package accounts

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxUsernameLength = 32
	minPasswordLength = 8
	maxPasswordLength = 72
)

var (
	// ErrInvalidUsername indicates the username is empty or exceeds bounds.
	ErrInvalidUsername = errors.New("accounts: invalid username")
	// ErrInvalidPassword indicates the password falls outside accepted bounds.
	ErrInvalidPassword = errors.New("accounts: invalid password")
	// ErrUsernameTaken indicates the username already has a durable row.
	ErrUsernameTaken = errors.New("accounts: username already registered")
	// ErrInvalidCredentials indicates login failed without saying which half was wrong.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrSelfFollow indicates a user attempted to follow themselves.
	ErrSelfFollow = errors.New("accounts: cannot follow self")
	// ErrNotRegistered indicates an operation requires a durable account.
	ErrNotRegistered = errors.New("accounts: username not registered")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies for the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages durable accounts, profile fields and the follow graph.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Register creates a durable account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, password, color, avatar, tag string) (Account, error) {
	username = normalize(username)
	if username == "" || len(username) > maxUsernameLength {
		return Account{}, ErrInvalidUsername
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return Account{}, ErrInvalidPassword
	}

	var existing Account
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&existing).Error
	if err == nil {
		return Account{}, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("accounts: register lookup: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("accounts: hash password: %w", err)
	}

	account := Account{
		Username:       username,
		PasswordHash:   hash,
		Color:          normalize(color),
		Avatar:         normalize(avatar),
		Tag:            normalize(tag),
		PresenceStatus: "online",
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return Account{}, fmt.Errorf("accounts: register insert: %w", err)
	}
	s.logger.Info("account registered", zap.String("username", username))
	return account, nil
}

// Authenticate verifies the password for a registered username.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	username = normalize(username)
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: authenticate lookup: %w", err)
	}
	if !auth.CheckPassword(password, account.PasswordHash) {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Profile returns the durable profile for a username, reporting whether it exists.
func (s *Service) Profile(ctx context.Context, username string) (Account, bool, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", normalize(username)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("accounts: profile lookup: %w", err)
	}
	return account, true, nil
}

// UpdateProfile persists profile fields for a registered username. Guests are
// a silent no-op: the socket layer still broadcasts their in-memory update.
func (s *Service) UpdateProfile(ctx context.Context, username string, fields ProfileFields) error {
	updates := map[string]interface{}{
		"display_name":    normalize(fields.DisplayName),
		"bio":             normalize(fields.Bio),
		"status_emoji":    normalize(fields.StatusEmoji),
		"status_text":     normalize(fields.StatusText),
		"presence_status": normalize(fields.PresenceStatus),
	}
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", normalize(username)).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("accounts: update profile: %w", err)
	}
	return nil
}

// UpdateAvatar persists a new avatar for a registered username.
func (s *Service) UpdateAvatar(ctx context.Context, username, avatar string) error {
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("username = ?", normalize(username)).
		Update("avatar", normalize(avatar)).Error
	if err != nil {
		return fmt.Errorf("accounts: update avatar: %w", err)
	}
	return nil
}

// FollowUser records a directed follow edge. Both ends must be registered
// and distinct; the insert is idempotent.
func (s *Service) FollowUser(ctx context.Context, follower, followed string) error {
	follower = normalize(follower)
	followed = normalize(followed)
	if follower == "" || followed == "" {
		return ErrInvalidUsername
	}
	if follower == followed {
		return ErrSelfFollow
	}
	for _, username := range []string{follower, followed} {
		_, registered, err := s.Profile(ctx, username)
		if err != nil {
			return err
		}
		if !registered {
			return ErrNotRegistered
		}
	}

	edge := Follow{Follower: follower, Followed: followed, CreatedAt: s.clock().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
	if err != nil {
		return fmt.Errorf("accounts: follow insert: %w", err)
	}
	return nil
}

// UnfollowUser removes a follow edge if present.
func (s *Service) UnfollowUser(ctx context.Context, follower, followed string) error {
	err := s.db.WithContext(ctx).
		Where("follower = ? AND followed = ?", normalize(follower), normalize(followed)).
		Delete(&Follow{}).Error
	if err != nil {
		return fmt.Errorf("accounts: unfollow delete: %w", err)
	}
	return nil
}

// IsFollowing reports whether the directed edge exists.
func (s *Service) IsFollowing(ctx context.Context, follower, followed string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Follow{}).
		Where("follower = ? AND followed = ?", normalize(follower), normalize(followed)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("accounts: follow lookup: %w", err)
	}
	return count > 0, nil
}
