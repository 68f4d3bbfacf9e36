package datastore

import (
	"fmt"
	"strings"
)

const pathSeparator = "/"

// Path addresses a node in the record tree. The first segment names a collection, the second a record and
// any further segments a field inside the record document.
type Path struct {
	segments []string
}

// ParsePath validates a slash separated path such as "/observations/o1/likes/u1".
func ParsePath(raw string) (Path, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), pathSeparator)
	if trimmed == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return NewPath(strings.Split(trimmed, pathSeparator)...)
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(raw string) Path {
	path, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return path
}

// NewPath builds a path from individual segments.
func NewPath(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Path{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	copied := make([]string, len(segments))
	for index, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return Path{}, err
		}
		copied[index] = segment
	}
	return Path{segments: copied}, nil
}

// Join builds a path from segments and panics on invalid input. Callers use it with identifiers that have
// already been read from stored records.
func Join(segments ...string) Path {
	path, err := NewPath(segments...)
	if err != nil {
		panic(err)
	}
	return path
}

func validateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if strings.ContainsAny(segment, "/.$#[]") {
		return fmt.Errorf("%w: segment %q contains a reserved character", ErrInvalidPath, segment)
	}
	return nil
}

// Child returns a path extended by the given segments.
func (p Path) Child(segments ...string) (Path, error) {
	return NewPath(append(p.Segments(), segments...)...)
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Depth is the number of segments.
func (p Path) Depth() int {
	return len(p.segments)
}

// IsZero reports whether the path was never initialised.
func (p Path) IsZero() bool {
	return len(p.segments) == 0
}

// Collection is the first segment.
func (p Path) Collection() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[0]
}

// RecordID is the second segment, empty for collection paths.
func (p Path) RecordID() string {
	if len(p.segments) < 2 {
		return ""
	}
	return p.segments[1]
}

// Fields are the segments below the record.
func (p Path) Fields() []string {
	if len(p.segments) <= 2 {
		return nil
	}
	return append([]string(nil), p.segments[2:]...)
}

// Last is the final segment.
func (p Path) Last() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

func (p Path) String() string {
	return pathSeparator + strings.Join(p.segments, pathSeparator)
}
