package propagation

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"go.uber.org/zap"
)

const (
	collectionObservations = "observations"
	collectionIdeas        = "ideas"
	collectionComments     = "comments"
	collectionActivities   = "activities"
	collectionSites        = "sites"
	collectionUsers        = "users"
	collectionUsersPrivate = "users-private"
	quarantineSuffix       = "-deleted"

	statusDeleted  = "deleted"
	statusActive   = "active"
	statusInactive = "inactive"

	fieldStatus             = "status"
	fieldObserver           = "observer"
	fieldSubmitter          = "submitter"
	fieldSite               = "site"
	fieldSites              = "sites"
	fieldLocation           = "l"
	fieldCreatedAt          = "created_at"
	fieldUpdatedAt          = "updated_at"
	fieldAffiliation        = "affiliation"
	fieldDisplayName        = "display_name"
	fieldNotificationToken  = "notification_token"
	fieldEmail              = "email"
	fieldLatestContribution = "latest_contribution"
	fieldComments           = "comments"
	fieldName               = "name"
)

// ownerField names the field holding the author of an entity in collection.
func ownerField(collection string) (string, bool) {
	switch collection {
	case collectionObservations:
		return fieldObserver, true
	case collectionIdeas:
		return fieldSubmitter, true
	default:
		return "", false
	}
}

func recordPath(collection, id string, fields ...string) (datastore.Path, error) {
	segments := make([]string, 0, len(fields)+2)
	segments = append(segments, collection, id)
	segments = append(segments, fields...)
	return datastore.NewPath(segments...)
}

func stringField(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	value, _ := doc[key].(string)
	return strings.TrimSpace(value)
}

// truthy follows the loose truth test the mobile clients apply to optional fields.
func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	case float64:
		return typed != 0 && !math.IsNaN(typed)
	default:
		return true
	}
}

func isDeleted(doc map[string]any) bool {
	return strings.EqualFold(stringField(doc, fieldStatus), statusDeleted)
}

// millisField reads a timestamp stored as epoch milliseconds. RFC 3339 strings written by older clients are
// accepted too.
func millisField(doc map[string]any, key string) (int64, bool) {
	if doc == nil {
		return 0, false
	}
	switch typed := doc[key].(type) {
	case float64:
		if typed <= 0 || math.IsNaN(typed) {
			return 0, false
		}
		return int64(typed), true
	case int64:
		return typed, typed > 0
	case int:
		return int64(typed), typed > 0
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(typed))
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	default:
		return 0, false
	}
}

func asDocument(value any) map[string]any {
	doc, _ := value.(map[string]any)
	return doc
}

// readString reads a string leaf. Absent and non-string values read as "".
func (e *Engine) readString(ctx context.Context, path datastore.Path) (string, error) {
	value, err := e.store.Read(ctx, path)
	if err != nil {
		return "", err
	}
	text, _ := value.(string)
	return strings.TrimSpace(text), nil
}

// readDocument reads an object node. Absent and non-object values read as nil.
func (e *Engine) readDocument(ctx context.Context, path datastore.Path) (map[string]any, error) {
	value, err := e.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return asDocument(value), nil
}

// resolveOwner returns the author of the entity at /{collection}/{id}, or "" when it cannot be resolved.
func (e *Engine) resolveOwner(ctx context.Context, operation, collection, id string) string {
	field, ok := ownerField(collection)
	if !ok {
		e.logLookupMiss(operation, "unknown_context", nil, zap.String("context", collection), zap.String("parent", id))
		return ""
	}
	path, err := recordPath(collection, id, field)
	if err != nil {
		e.logLookupMiss(operation, "invalid_parent", err, zap.String("context", collection), zap.String("parent", id))
		return ""
	}
	owner, err := e.readString(ctx, path)
	if err != nil {
		e.logLookupMiss(operation, "owner_lookup_failed", err, zap.String("path", path.String()))
		return ""
	}
	if owner == "" {
		e.logLookupMiss(operation, "owner_missing", nil, zap.String("path", path.String()))
	}
	return owner
}

// userProfile is the public part of a user account stored under /users/{id}.
type userProfile struct {
	ID                string
	DisplayName       string
	NotificationToken string
	Email             string
	Affiliation       string
}

func (e *Engine) readProfile(ctx context.Context, operation, userID string) (userProfile, bool) {
	path, err := recordPath(collectionUsers, userID)
	if err != nil {
		e.logLookupMiss(operation, "invalid_user", err, zap.String("user_id", userID))
		return userProfile{ID: userID}, false
	}
	doc, err := e.readDocument(ctx, path)
	if err != nil {
		e.logLookupMiss(operation, "user_lookup_failed", err, zap.String("user_id", userID))
		return userProfile{ID: userID}, false
	}
	if doc == nil {
		return userProfile{ID: userID}, false
	}
	return userProfile{
		ID:                userID,
		DisplayName:       stringField(doc, fieldDisplayName),
		NotificationToken: stringField(doc, fieldNotificationToken),
		Email:             stringField(doc, fieldEmail),
		Affiliation:       stringField(doc, fieldAffiliation),
	}, true
}

// name is the display name, or the local part of the address when no display name is stored.
func (r userProfile) name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if local, _, found := strings.Cut(r.Email, "@"); found && local != "" {
		return local
	}
	return r.ID
}

// resolveRecipient combines the stored profile with the account directory's email address. The directory
// wins over the profile copy.
func (e *Engine) resolveRecipient(ctx context.Context, operation, userID string) userProfile {
	profile, _ := e.readProfile(ctx, operation, userID)
	account, err := e.accounts.Lookup(ctx, userID)
	if err != nil {
		if profile.Email == "" {
			e.logLookupMiss(operation, "account_lookup_failed", err, zap.String("user_id", userID))
		}
	} else if account.Email != "" {
		profile.Email = account.Email
	}
	return profile
}
