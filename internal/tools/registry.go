// Package tools maps tool invocations requested by agents to concrete
// handlers and structured results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc executes one in-process tool call.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry stores tool handlers keyed by tool name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a new handler for a tool name.
func (r *Registry) Register(toolName string, handler HandlerFunc) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[toolName]; exists {
		return fmt.Errorf("handler already registered for %s", toolName)
	}
	r.handlers[toolName] = handler
	return nil
}

// MustRegister adds a handler or panics.
func (r *Registry) MustRegister(toolName string, handler HandlerFunc) {
	if err := r.Register(toolName, handler); err != nil {
		panic(err)
	}
}

// Has reports whether a handler is registered for the tool name.
func (r *Registry) Has(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[toolName]
	return ok
}

// Execute runs the handler for the tool name.
func (r *Registry) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	handler := r.handlers[toolName]
	r.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler registered for %s", toolName)
	}
	return handler(ctx, args)
}
