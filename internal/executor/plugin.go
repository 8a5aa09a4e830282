// Package executor dispatches implementation artifacts to execution plugins.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoExecutor is returned when no registered plugin supports an
// implementation's language and SDK.
var ErrNoExecutor = errors.New("no executor plugin for implementation")

// Plugin executes implementation artifacts for a set of programming
// languages and SDKs.
type Plugin interface {
	Name() string
	SupportedProgrammingLanguages() []string
	SupportedSDKs() []string
	Execute(ctx context.Context, artifactPath string, params map[string]string) (map[string]string, error)
}

// Supports reports whether p handles language and sdk, case-insensitively.
func Supports(p Plugin, language, sdk string) bool {
	return containsFold(p.SupportedProgrammingLanguages(), language) &&
		containsFold(p.SupportedSDKs(), sdk)
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

// Registry holds plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates a registry with the given plugins, in order.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register appends p. Nil plugins are ignored.
func (r *Registry) Register(p Plugin) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Match returns the first registered plugin supporting language and sdk.
func (r *Registry) Match(language, sdk string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if Supports(p, language, sdk) {
			return p, true
		}
	}
	return nil, false
}

// Plugins returns the registered plugins in order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}
