// Package geoindex maintains the /geo/{id} proximity index: one entry per geotagged observation holding the
// geohash of the location and the raw [lon, lat] pair.
package geoindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"go.uber.org/zap"
)

const (
	// Collection is the top-level collection holding index entries.
	Collection = "geo"

	defaultPrecision = 10
	earthRadiusKm    = 6371.0088
)

var (
	// ErrInvalidLocation reports a location outside the valid coordinate ranges.
	ErrInvalidLocation = errors.New("geoindex: invalid location")

	errMissingStore = errors.New("geoindex: store is required")
)

// Store is the subset of the record store used by the index.
type Store interface {
	Read(ctx context.Context, path datastore.Path) (any, error)
	Write(ctx context.Context, path datastore.Path, value any) error
	Remove(ctx context.Context, path datastore.Path) error
	List(ctx context.Context, collection string) ([]datastore.Record, error)
}

// Location is a longitude/latitude pair in degrees.
type Location struct {
	Lon float64
	Lat float64
}

// Valid reports whether the coordinates are inside their ranges.
func (l Location) Valid() bool {
	return l.Lon >= -180 && l.Lon <= 180 && l.Lat >= -90 && l.Lat <= 90 &&
		!math.IsNaN(l.Lon) && !math.IsNaN(l.Lat)
}

// Value renders the location as the stored [lon, lat] array.
func (l Location) Value() []any {
	return []any{l.Lon, l.Lat}
}

// ParseLocation decodes a stored `l` value. Only a two element numeric array is accepted.
func ParseLocation(value any) (Location, bool) {
	pair, ok := value.([]any)
	if !ok || len(pair) != 2 {
		return Location{}, false
	}
	lon, lonOK := pair[0].(float64)
	lat, latOK := pair[1].(float64)
	if !lonOK || !latOK {
		return Location{}, false
	}
	location := Location{Lon: lon, Lat: lat}
	if !location.Valid() {
		return Location{}, false
	}
	return location, true
}

// Entry is one index record.
type Entry struct {
	ID       string
	Geohash  string
	Location Location
}

// Hit is an entry returned by a proximity query.
type Hit struct {
	Entry
	DistanceKm float64
}

// Config wires an Index.
type Config struct {
	Store     Store
	Precision uint
	Logger    *zap.Logger
}

// Index reads and writes geo entries through the record store.
type Index struct {
	store     Store
	precision uint
	logger    *zap.Logger
}

// New constructs an Index.
func New(cfg Config) (*Index, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	precision := cfg.Precision
	if precision == 0 || precision > 12 {
		precision = defaultPrecision
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{store: cfg.Store, precision: precision, logger: logger}, nil
}

// Upsert stores the entry for id. Writing an identical entry is a no-op at the store level.
func (i *Index) Upsert(ctx context.Context, id string, location Location) error {
	if !location.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, location)
	}
	path, err := datastore.NewPath(Collection, id)
	if err != nil {
		return err
	}
	entry := map[string]any{
		"g": geohash.EncodeWithPrecision(location.Lat, location.Lon, i.precision),
		"l": location.Value(),
	}
	if err := i.store.Write(ctx, path, entry); err != nil {
		return fmt.Errorf("geoindex: upsert %s: %w", id, err)
	}
	return nil
}

// Remove deletes the entry for id.
func (i *Index) Remove(ctx context.Context, id string) error {
	path, err := datastore.NewPath(Collection, id)
	if err != nil {
		return err
	}
	if err := i.store.Remove(ctx, path); err != nil {
		return fmt.Errorf("geoindex: remove %s: %w", id, err)
	}
	return nil
}

// Lookup returns the entry for id, if any.
func (i *Index) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	path, err := datastore.NewPath(Collection, id)
	if err != nil {
		return Entry{}, false, err
	}
	value, err := i.store.Read(ctx, path)
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := decodeEntry(id, value)
	return entry, ok, nil
}

// Near returns entries within radiusKm of center, nearest first. Records under /geo that are not index
// entries are ignored.
func (i *Index) Near(ctx context.Context, center Location, radiusKm float64) ([]Hit, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, center)
	}
	records, err := i.store.List(ctx, Collection)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0)
	for _, record := range records {
		entry, ok := decodeEntry(record.ID, record.Document)
		if !ok {
			continue
		}
		distance := haversineKm(center, entry.Location)
		if distance <= radiusKm {
			hits = append(hits, Hit{Entry: entry, DistanceKm: distance})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].DistanceKm == hits[b].DistanceKm {
			return hits[a].ID < hits[b].ID
		}
		return hits[a].DistanceKm < hits[b].DistanceKm
	})
	return hits, nil
}

func decodeEntry(id string, value any) (Entry, bool) {
	doc, ok := value.(map[string]any)
	if !ok {
		return Entry{}, false
	}
	hash, _ := doc["g"].(string)
	location, ok := ParseLocation(doc["l"])
	if !ok || hash == "" {
		return Entry{}, false
	}
	return Entry{ID: id, Geohash: hash, Location: location}, true
}

func haversineKm(from, to Location) float64 {
	lat1 := from.Lat * math.Pi / 180
	lat2 := to.Lat * math.Pi / 180
	deltaLat := (to.Lat - from.Lat) * math.Pi / 180
	deltaLon := (to.Lon - from.Lon) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
