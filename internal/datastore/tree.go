package datastore

import (
	"fmt"
	"reflect"
	"sort"

	json "github.com/goccy/go-json"
)

// Normalize converts a Go value into its JSON data model form (maps, slices, float64, string, bool).
// Empty objects collapse to nil because an empty node does not exist in the tree.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(decoded), nil
}

func prune(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			pruned := prune(child)
			if pruned == nil {
				delete(typed, key)
				continue
			}
			typed[key] = pruned
		}
		if len(typed) == 0 {
			return nil
		}
		return typed
	case []any:
		for index, child := range typed {
			typed[index] = prune(child)
		}
		return typed
	default:
		return value
	}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, child := range typed {
			copied[key] = cloneValue(child)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, child := range typed {
			copied[index] = cloneValue(child)
		}
		return copied
	default:
		return value
	}
}

func cloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

// lookup walks fields below a record document. Missing nodes yield nil.
func lookup(doc map[string]any, fields []string) any {
	var current any = doc
	for _, field := range fields {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[field]
		if !ok {
			return nil
		}
	}
	if current == nil {
		return nil
	}
	return cloneValue(current)
}

// assign returns a copy of doc with value placed at fields. A nil value removes the node and prunes
// parents left empty. The result is nil when the whole document ends up empty.
func assign(doc map[string]any, fields []string, value any) (map[string]any, error) {
	if len(fields) == 0 {
		if value == nil {
			return nil, nil
		}
		replacement, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: record documents must be objects", ErrInvalidValue)
		}
		return cloneDocument(replacement), nil
	}

	root := cloneDocument(doc)
	if root == nil {
		root = map[string]any{}
	}
	setNested(root, fields, value)
	if len(root) == 0 {
		return nil, nil
	}
	return root, nil
}

func setNested(node map[string]any, fields []string, value any) {
	key := fields[0]
	if len(fields) == 1 {
		if value == nil {
			delete(node, key)
			return
		}
		node[key] = cloneValue(value)
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = map[string]any{}
		node[key] = child
	}
	setNested(child, fields[1:], value)
	if len(child) == 0 {
		delete(node, key)
	}
}

func documentsEqual(left, right map[string]any) bool {
	if len(left) == 0 && len(right) == 0 {
		return true
	}
	return reflect.DeepEqual(left, right)
}

// ValuesEqual compares two normalized values.
func ValuesEqual(left, right any) bool {
	return reflect.DeepEqual(left, right)
}

// SortedKeys returns the keys of a map node in lexical order. Non-map values have no keys.
func SortedKeys(value any) []string {
	node, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
