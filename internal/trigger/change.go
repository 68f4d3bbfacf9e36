package trigger

import (
	"context"

	"github.com/naturenet/naturenet-node/internal/datastore"
)

// Change is one node-level change delivered to a handler. A nil Previous means the node was created, a nil
// Current means it was removed.
type Change struct {
	Path     datastore.Path
	Previous any
	Current  any
	Params   map[string]string
}

// Param returns a bound pattern parameter.
func (c Change) Param(name string) string {
	return c.Params[name]
}

// Created reports whether the node did not exist before.
func (c Change) Created() bool {
	return c.Previous == nil && c.Current != nil
}

// Removed reports whether the node no longer exists.
func (c Change) Removed() bool {
	return c.Previous != nil && c.Current == nil
}

// PreviousDocument returns the previous value when it is an object.
func (c Change) PreviousDocument() map[string]any {
	doc, _ := c.Previous.(map[string]any)
	return doc
}

// CurrentDocument returns the current value when it is an object.
func (c Change) CurrentDocument() map[string]any {
	doc, _ := c.Current.(map[string]any)
	return doc
}

// Handler reacts to a change. Returning an error asks for redelivery.
type Handler func(ctx context.Context, change Change) error

// Binding attaches a handler to a path pattern.
type Binding struct {
	Name    string
	Pattern Pattern
	Handler Handler
}

// EventHandler reacts to a published application event.
type EventHandler func(ctx context.Context, payload []byte) error

// EventBinding attaches a handler to an application event topic.
type EventBinding struct {
	Name    string
	Topic   string
	Handler EventHandler
}
