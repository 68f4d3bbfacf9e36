package datastore

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestNormalizeCollapsesEmptyObjects(t *testing.T) {
	value, err := Normalize(map[string]any{"likes": map[string]any{}, "count": 3})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	doc := value.(map[string]any)
	if _, exists := doc["likes"]; exists {
		t.Fatalf("expected empty likes to be pruned, got %#v", doc)
	}
	if doc["count"] != float64(3) {
		t.Fatalf("expected numbers as float64, got %#v", doc["count"])
	}
}

func TestAssignPrunesEmptiedParents(t *testing.T) {
	doc := map[string]any{"my_posts": map[string]any{"o1": map[string]any{"context": "observations"}}}

	next, err := assign(doc, []string{"my_posts", "o1"}, nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if next != nil {
		t.Fatalf("expected document to vanish, got %#v", next)
	}
	if _, exists := doc["my_posts"]; !exists {
		t.Fatalf("assign must not mutate its input")
	}
}

func TestAssignOverwritesScalarIntermediate(t *testing.T) {
	next, err := assign(map[string]any{"likes": true}, []string{"likes", "u1"}, true)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	likes, ok := next["likes"].(map[string]any)
	if !ok || likes["u1"] != true {
		t.Fatalf("expected likes map, got %#v", next)
	}
}

func TestFromBSONConvertsNestedDocuments(t *testing.T) {
	raw := bson.M{
		"observer": "u1",
		"l":        bson.A{int32(1), 2.5},
		"likes":    bson.D{{Key: "u2", Value: true}},
		"count":    int64(4),
	}

	converted, ok := fromBSON(raw).(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %#v", converted)
	}
	location := converted["l"].([]any)
	if location[0] != float64(1) || location[1] != 2.5 {
		t.Fatalf("unexpected location %#v", location)
	}
	likes := converted["likes"].(map[string]any)
	if likes["u2"] != true {
		t.Fatalf("unexpected likes %#v", likes)
	}
	if converted["count"] != float64(4) {
		t.Fatalf("unexpected count %#v", converted["count"])
	}
}
