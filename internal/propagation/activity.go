package propagation

import (
	"context"
	"sort"
	"strings"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"go.uber.org/zap"
)

const elsewhereName = "Elsewhere"

// HandleActivity reacts to a write of /activities/{activityId}. Only the first creation does anything.
func (e *Engine) HandleActivity(ctx context.Context, change trigger.Change) error {
	current := change.CurrentDocument()
	if current == nil || change.Previous != nil {
		metrics.RecordBranch(RuleActivity, branchUnchanged)
		return nil
	}
	metrics.RecordBranch(RuleActivity, branchCreated)

	id := change.Param("activityId")
	name := stringField(current, fieldName)
	description := stringField(current, "description")

	for _, address := range e.devEmails {
		e.notifier.Email(ctx, notify.NewActivityDevEmail(address, id, name, description))
	}

	if submitter := stringField(current, fieldSubmitter); submitter != "" {
		e.sendOnce(ctx, opActivityRule, RuleActivity, submitter, "project_created_"+id, func() bool {
			target := e.resolveRecipient(ctx, opActivityRule, submitter)
			if target.Email == "" {
				e.logLookupMiss(opActivityRule, "submitter_email_missing", nil, zap.String("user_id", submitter))
				return false
			}
			summary := e.siteSummary(ctx, activitySites(current))
			return e.notifier.Email(ctx, notify.ProjectCreatedEmail(target.Email, target.name(), name, summary))
		})
	}

	e.notifier.PushToTopic(ctx, notify.TopicActivities, notify.NewProjectPush(id))
	return nil
}

// activitySites collects the site keys of an activity from either a single "site" value or a "sites" map or
// list.
func activitySites(doc map[string]any) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(key string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	add(stringField(doc, fieldSite))
	switch sites := doc[fieldSites].(type) {
	case map[string]any:
		for _, key := range datastore.SortedKeys(sites) {
			if truthy(sites[key]) {
				add(key)
			}
		}
	case []any:
		for _, item := range sites {
			if key, ok := item.(string); ok {
				add(key)
			}
		}
	case string:
		add(sites)
	}
	return keys
}

// siteSummary renders site keys as a comma separated list of display names. Unknown keys read as
// "Elsewhere".
func (e *Engine) siteSummary(ctx context.Context, keys []string) string {
	if len(keys) == 0 {
		return elsewhereName
	}
	names := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		name := e.siteName(ctx, key)
		if _, duplicate := seen[name]; duplicate {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (e *Engine) siteName(ctx context.Context, key string) string {
	if key == e.elsewhereSite {
		return elsewhereName
	}
	if path, err := recordPath(collectionSites, key, fieldName); err == nil {
		name, err := e.readString(ctx, path)
		if err != nil {
			e.logLookupMiss(opActivityRule, "site_lookup_failed", err, zap.String("site", key))
		} else if name != "" {
			return name
		}
	}
	if name := strings.TrimSpace(e.siteNames[key]); name != "" {
		return name
	}
	return elsewhereName
}
