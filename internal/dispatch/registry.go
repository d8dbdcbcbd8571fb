// Package dispatch provides executor.Handler implementations: an action
// router, a per-resource rate limiter and a simulated drone backend.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/dronebatch/internal/executor"
	"github.com/msageha/dronebatch/internal/model"
)

var ErrNoHandler = errors.New("no handler registered for action")

// Registry routes each action to the handler registered for it. An action
// with no handler and no fallback fails with ErrNoHandler, which the executor
// records as an exception.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]executor.Handler
	fallback executor.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]executor.Handler)}
}

// Register binds h to action, replacing any previous binding.
func (r *Registry) Register(action string, h executor.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalize(action)] = h
}

func (r *Registry) RegisterFunc(action string, fn executor.HandlerFunc) {
	r.Register(action, fn)
}

// SetFallback sets the handler used for actions without a binding.
func (r *Registry) SetFallback(h executor.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Registry) Lookup(action string) (executor.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[normalize(action)]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Actions lists the explicitly registered actions, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Handle(ctx context.Context, action string, params model.Params) (executor.Outcome, error) {
	h, ok := r.Lookup(action)
	if !ok {
		return executor.Outcome{}, fmt.Errorf("%w: %q", ErrNoHandler, action)
	}
	return h.Handle(ctx, action, params)
}

func normalize(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
