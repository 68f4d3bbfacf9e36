package trigger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/naturenet/naturenet-node/internal/datastore"
)

// ErrInvalidPattern reports a malformed path pattern.
var ErrInvalidPattern = errors.New("trigger: invalid pattern")

type patternSegment struct {
	literal string
	param   string
}

// Pattern matches record tree paths such as "/observations/{obsId}/likes/{userId}". Braced segments bind
// parameters, the rest must match literally. The first segment is always a literal collection name.
type Pattern struct {
	raw      string
	segments []patternSegment
}

// ParsePattern validates raw.
func ParsePattern(raw string) (Pattern, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return Pattern{}, fmt.Errorf("%w: %q must address records below a collection", ErrInvalidPattern, raw)
	}

	seen := make(map[string]struct{}, len(parts))
	segments := make([]patternSegment, 0, len(parts))
	for index, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := strings.TrimSpace(part[1 : len(part)-1])
			if name == "" || index == 0 {
				return Pattern{}, fmt.Errorf("%w: %q has an invalid parameter", ErrInvalidPattern, raw)
			}
			if _, duplicate := seen[name]; duplicate {
				return Pattern{}, fmt.Errorf("%w: %q repeats parameter %s", ErrInvalidPattern, raw, name)
			}
			seen[name] = struct{}{}
			segments = append(segments, patternSegment{param: name})
			continue
		}
		if _, err := datastore.NewPath(part); err != nil {
			return Pattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, raw, err)
		}
		segments = append(segments, patternSegment{literal: part})
	}
	return Pattern{raw: "/" + trimmed, segments: segments}, nil
}

// MustParsePattern is ParsePattern for literals known to be valid.
func MustParsePattern(raw string) Pattern {
	pattern, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return pattern
}

// Collection is the collection the pattern listens on.
func (p Pattern) Collection() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[0].literal
}

func (p Pattern) String() string {
	return p.raw
}

// Expand turns one record change into the changes it causes at every path the pattern matches. Nodes whose
// value did not change produce nothing.
func (p Pattern) Expand(change datastore.RecordChange) []Change {
	if change.Collection != p.Collection() {
		return nil
	}
	var previousRoot, currentRoot any
	if change.Previous != nil {
		previousRoot = map[string]any{change.RecordID: change.Previous}
	}
	if change.Current != nil {
		currentRoot = map[string]any{change.RecordID: change.Current}
	}

	var expanded []Change
	p.walk(1, previousRoot, currentRoot, []string{p.Collection()}, map[string]string{}, &expanded)
	return expanded
}

func (p Pattern) walk(index int, previous, current any, segments []string, params map[string]string, out *[]Change) {
	if index == len(p.segments) {
		if datastore.ValuesEqual(previous, current) {
			return
		}
		path, err := datastore.NewPath(segments...)
		if err != nil {
			return
		}
		*out = append(*out, Change{
			Path:     path,
			Previous: previous,
			Current:  current,
			Params:   copyParams(params),
		})
		return
	}

	segment := p.segments[index]
	if segment.param == "" {
		p.walk(index+1, child(previous, segment.literal), child(current, segment.literal),
			append(segments, segment.literal), params, out)
		return
	}

	for _, key := range unionKeys(previous, current) {
		bound := copyParams(params)
		bound[segment.param] = key
		p.walk(index+1, child(previous, key), child(current, key), append(segments, key), bound, out)
	}
}

func child(node any, key string) any {
	typed, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	return typed[key]
}

func unionKeys(previous, current any) []string {
	keys := datastore.SortedKeys(previous)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	for _, key := range datastore.SortedKeys(current) {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func copyParams(params map[string]string) map[string]string {
	copied := make(map[string]string, len(params)+1)
	for key, value := range params {
		copied[key] = value
	}
	return copied
}
