package registry

import (
	"sort"
	"strings"
	"sync"
)

// Registry is a concurrency-safe model profile table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]ModelProfile
}

// New returns a registry pre-populated with profiles.
func New(profiles ...ModelProfile) *Registry {
	r := &Registry{profiles: make(map[string]ModelProfile, len(profiles))}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// NewDefault returns a registry with every built-in profile.
func NewDefault() *Registry {
	return New(append(GetGeminiModels(), GetOpenAICompatibleModels()...)...)
}

// Register adds or replaces a profile.
func (r *Registry) Register(p ModelProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[normalizeID(p.ID)] = p
}

// Lookup returns the profile for model. Names may carry a "models/" prefix.
func (r *Registry) Lookup(model string) (ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[normalizeID(model)]
	return p, ok
}

// Resolve returns the profile for model or DefaultProfile.
func (r *Registry) Resolve(model string) ModelProfile {
	if p, ok := r.Lookup(model); ok {
		return p
	}
	return DefaultProfile
}

// List returns all profiles sorted by ID.
func (r *Registry) List() []ModelProfile {
	r.mu.RLock()
	out := make([]ModelProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeID(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.TrimPrefix(m, "models/")
}
