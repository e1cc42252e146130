// Package auth lets plugins contribute login providers and issues signed
// session tokens for whichever provider authenticated the user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownProvider is returned when a site has no provider by that name.
	ErrUnknownProvider = errors.New("unknown auth provider")

	// ErrInvalidCredentials is returned when a provider rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned by Verify for any unusable token.
	ErrInvalidToken = errors.New("invalid token")
)

// Credentials are the provider-specific login inputs, e.g. "username" and
// "password", or "code" for an OAuth callback.
type Credentials map[string]string

// Identity is the authenticated user as reported by a provider.
type Identity struct {
	Subject  string                 `json:"subject"`
	Email    string                 `json:"email,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Roles    []string               `json:"roles,omitempty"`
	Provider string                 `json:"provider"`
	Claims   map[string]interface{} `json:"claims,omitempty"`
}

// Provider authenticates credentials.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}

type registration struct {
	pluginID string
	provider Provider
}

// Registry holds the providers plugins registered, per site.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]map[string]registration // site -> name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]map[string]registration)}
}

// Register adds a provider for a site. Provider names are unique per site
// and "password" is reserved for the built-in provider.
func (r *Registry) Register(siteID, pluginID string, p Provider) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("auth provider name is required")
	}
	if name == PasswordProviderName {
		return fmt.Errorf("auth provider name %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	site := r.providers[siteID]
	if site == nil {
		site = make(map[string]registration)
		r.providers[siteID] = site
	}
	if existing, ok := site[name]; ok {
		return fmt.Errorf("auth provider %q already registered by %s", name, existing.pluginID)
	}
	site[name] = registration{pluginID: pluginID, provider: p}
	return nil
}

// RemoveSitePlugin drops every provider a plugin registered on a site.
func (r *Registry) RemoveSitePlugin(siteID, pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, reg := range r.providers[siteID] {
		if reg.pluginID == pluginID {
			delete(r.providers[siteID], name)
			removed++
		}
	}
	return removed
}

// Get returns the provider and the id of the plugin that registered it.
func (r *Registry) Get(siteID, name string) (Provider, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[siteID][name]
	return reg.provider, reg.pluginID, ok
}

// Names lists the plugin provider names registered on a site.
func (r *Registry) Names(siteID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers[siteID]))
	for name := range r.providers[siteID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
