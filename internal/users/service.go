package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TopicAccountCreated is the event topic carrying AccountCreated payloads.
const TopicAccountCreated = "accounts.created"

const defaultProvider = "password"

var (
	// ErrInvalidAccount indicates the request did not carry a usable identifier or address.
	ErrInvalidAccount = errors.New("users: invalid account")
	// ErrAccountNotFound indicates no account exists for the identifier.
	ErrAccountNotFound = errors.New("users: account not found")
)

// EventPublisher hands account events to whoever reacts to them.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, value any) error
}

// ServiceConfig describes the dependencies required for the account directory.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher EventPublisher
	Logger    *zap.Logger
}

// Service is the account directory: provider accounts with their email addresses and creation times.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	publisher EventPublisher
	logger    *zap.Logger
	cache     sync.Map
}

// ProvisionRequest describes an account reported by the identity provider.
type ProvisionRequest struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

// NewService constructs the account directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		publisher: cfg.Publisher,
		logger:    logger,
		cache:     sync.Map{},
	}, nil
}

// SetPublisher attaches the event publisher once the dispatcher exists.
func (s *Service) SetPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

// Provision records the account and reports whether it was new. Only new accounts publish AccountCreated.
func (s *Service) Provision(ctx context.Context, request ProvisionRequest) (Account, bool, error) {
	userID := normalize(request.UserID)
	email := strings.ToLower(normalize(request.Email))
	if userID == "" || email == "" {
		return Account{}, false, ErrInvalidAccount
	}
	provider := normalize(request.Provider)
	if provider == "" {
		provider = defaultProvider
	}

	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		account = Account{
			UserID:    userID,
			Provider:  provider,
			Email:     email,
			CreatedAt: s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return Account{}, false, err
		}
	case err != nil:
		return Account{}, false, err
	default:
		if account.Email != email {
			if err := s.db.WithContext(ctx).Model(&Account{}).
				Where("user_id = ?", userID).
				Update("user_email", email).Error; err != nil {
				return Account{}, false, err
			}
			account.Email = email
		}
		s.cache.Store(userID, account)
		return account, false, nil
	}

	s.cache.Store(userID, account)
	if s.publisher != nil {
		event := AccountCreated{UserID: account.UserID, Email: account.Email, CreatedAt: account.CreatedAt}
		if err := s.publisher.PublishEvent(ctx, TopicAccountCreated, event); err != nil {
			s.logger.Error("account created event publish failed",
				zap.String("user_id", account.UserID),
				zap.Error(err))
		}
	}
	return account, true, nil
}

// Lookup returns the account for userID.
func (s *Service) Lookup(ctx context.Context, userID string) (Account, error) {
	userID = normalize(userID)
	if userID == "" {
		return Account{}, ErrInvalidAccount
	}
	if cached, ok := s.cache.Load(userID); ok {
		if account, ok := cached.(Account); ok {
			return account, nil
		}
	}

	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return Account{}, err
	}
	s.cache.Store(userID, account)
	return account, nil
}

// List returns every account ordered by identifier.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Order("user_id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}
