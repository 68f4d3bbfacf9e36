// Package propagation keeps the derived parts of the NatureNet record tree in step with the primary entities.
// Each rule reacts to one entity path, applies at most one follow-up concern per pass and relies on the
// dispatcher re-delivering the change its own writes cause.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/geoindex"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
)

const (
	defaultElsewhereSite     = "zz_elsewhere"
	defaultInactivity        = 6 * 30 * 24 * time.Hour
	defaultWelcomeAttempts   = 5
	defaultWelcomeRetryDelay = 2 * time.Second
)

// Rule and binding names.
const (
	RuleObservation = "observation"
	RuleIdea        = "idea"
	RuleComment     = "comment"
	RuleLike        = "like"
	RuleActivity    = "activity"
	RuleAccount     = "account"
)

const (
	opEngineNew       = "propagation.engine.new"
	opObservationRule = "propagation.observation"
	opIdeaRule        = "propagation.idea"
	opCommentRule     = "propagation.comment"
	opLikeRule        = "propagation.like"
	opActivityRule    = "propagation.activity"
	opAccountRule     = "propagation.account"
	opSweepInactive   = "propagation.sweep_inactive"
	opRepair          = "propagation.repair"
)

var (
	// ErrQuarantineAbandoned reports a deletion that stopped because the quarantine copy could not be written.
	// The original record is left in place and the change must be delivered again.
	ErrQuarantineAbandoned = errors.New("propagation: quarantine copy failed, deletion abandoned")

	errMissingStore     = errors.New("record store is required")
	errMissingGeoIndex  = errors.New("geo index is required")
	errMissingAccounts  = errors.New("account directory is required")
	errInvalidEventBody = errors.New("invalid event payload")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Datastore is the record store capability the rules need.
type Datastore interface {
	Read(ctx context.Context, path datastore.Path) (any, error)
	Write(ctx context.Context, path datastore.Path, value any) error
	Update(ctx context.Context, path datastore.Path, values map[string]any) error
	Remove(ctx context.Context, path datastore.Path) error
	QueryEqual(ctx context.Context, collection, field string, value any) ([]datastore.Record, error)
	List(ctx context.Context, collection string) ([]datastore.Record, error)
}

// GeoIndex maintains the proximity index.
type GeoIndex interface {
	Upsert(ctx context.Context, id string, location geoindex.Location) error
	Remove(ctx context.Context, id string) error
	Lookup(ctx context.Context, id string) (geoindex.Entry, bool, error)
}

// AccountDirectory resolves provider accounts.
type AccountDirectory interface {
	Lookup(ctx context.Context, userID string) (users.Account, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store     Datastore
	Geo       GeoIndex
	Accounts  AccountDirectory
	Notifier  notify.Notifier
	Clock     func() time.Time
	Logger    *zap.Logger
	DevEmails []string
	// ElsewhereSite is the site assigned to observations whose observer has no affiliation.
	ElsewhereSite string
	// SiteNames maps site keys to display names when /sites/{key}/name is absent.
	SiteNames           map[string]string
	InactivityThreshold time.Duration
	WelcomeAttempts     int
	WelcomeRetryDelay   time.Duration
}

// Engine holds the propagation rules.
type Engine struct {
	store             Datastore
	geo               GeoIndex
	accounts          AccountDirectory
	notifier          *notify.Safe
	clock             func() time.Time
	logger            *zap.Logger
	devEmails         []string
	elsewhereSite     string
	siteNames         map[string]string
	inactivity        time.Duration
	welcomeAttempts   int
	welcomeRetryDelay time.Duration
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Geo == nil {
		return nil, newServiceError(opEngineNew, "missing_geo_index", errMissingGeoIndex)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opEngineNew, "missing_accounts", errMissingAccounts)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	elsewhere := strings.TrimSpace(cfg.ElsewhereSite)
	if elsewhere == "" {
		elsewhere = defaultElsewhereSite
	}
	inactivity := cfg.InactivityThreshold
	if inactivity <= 0 {
		inactivity = defaultInactivity
	}
	attempts := cfg.WelcomeAttempts
	if attempts <= 0 {
		attempts = defaultWelcomeAttempts
	}
	retryDelay := cfg.WelcomeRetryDelay
	if retryDelay < 0 {
		retryDelay = defaultWelcomeRetryDelay
	}
	siteNames := make(map[string]string, len(cfg.SiteNames))
	for key, name := range cfg.SiteNames {
		siteNames[key] = name
	}

	return &Engine{
		store:             cfg.Store,
		geo:               cfg.Geo,
		accounts:          cfg.Accounts,
		notifier:          notify.NewSafe(cfg.Notifier, logger.Named("notify")),
		clock:             clock,
		logger:            logger,
		devEmails:         append([]string(nil), cfg.DevEmails...),
		elsewhereSite:     elsewhere,
		siteNames:         siteNames,
		inactivity:        inactivity,
		welcomeAttempts:   attempts,
		welcomeRetryDelay: retryDelay,
	}, nil
}

// Bindings returns one dispatcher binding per entity path the engine reacts to.
func (e *Engine) Bindings() []trigger.Binding {
	return []trigger.Binding{
		{Name: RuleObservation, Pattern: trigger.MustParsePattern("/observations/{obsId}"), Handler: e.HandleObservation},
		{Name: RuleIdea, Pattern: trigger.MustParsePattern("/ideas/{ideaId}"), Handler: e.HandleIdea},
		{Name: RuleComment, Pattern: trigger.MustParsePattern("/comments/{commentId}"), Handler: e.HandleComment},
		{Name: "observation-like", Pattern: trigger.MustParsePattern("/observations/{entityId}/likes/{userId}"), Handler: e.likeHandler(collectionObservations)},
		{Name: "idea-like", Pattern: trigger.MustParsePattern("/ideas/{entityId}/likes/{userId}"), Handler: e.likeHandler(collectionIdeas)},
		{Name: RuleActivity, Pattern: trigger.MustParsePattern("/activities/{activityId}"), Handler: e.HandleActivity},
	}
}

// Events returns the application event handlers.
func (e *Engine) Events() []trigger.EventBinding {
	return []trigger.EventBinding{
		{Name: RuleAccount, Topic: users.TopicAccountCreated, Handler: e.handleAccountCreatedEvent},
	}
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("propagation error", attrs...)
}

func (e *Engine) logLookupMiss(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Warn("propagation lookup failed", attrs...)
}
