package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/plinthcms/plinth/internal/manifest"
)

// Plugin is a scripted plugin: one manifest, one interpreter per site.
type Plugin struct {
	manifest *manifest.Manifest
	path     string
	timeout  time.Duration

	mu      sync.Mutex
	interps map[string]*Interpreter
}

// New creates the scripted plugin of a manifest with a script entry. The
// top-level chunk run at activation is aborted after timeout; zero means
// no bound.
func New(m *manifest.Manifest, timeout time.Duration) (*Plugin, error) {
	if m.Script == "" {
		return nil, fmt.Errorf("plugin %s has no script", m.ID)
	}
	path := filepath.Join(m.Dir, m.Script)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", m.ID, err)
	}
	return &Plugin{manifest: m, path: path, timeout: timeout, interps: make(map[string]*Interpreter)}, nil
}

// Path returns the script file.
func (p *Plugin) Path() string { return p.path }

// Activate starts a fresh interpreter for the host's site and runs the
// script in it. A site that was already active gets a new interpreter.
func (p *Plugin) Activate(host Host) error {
	ctx := host.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	interp := NewInterpreter(host)
	if err := interp.LoadFile(ctx, p.path); err != nil {
		interp.Close()
		return err
	}

	p.mu.Lock()
	old := p.interps[host.SiteID()]
	p.interps[host.SiteID()] = interp
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Deactivate closes the site's interpreter.
func (p *Plugin) Deactivate(host Host) error {
	p.mu.Lock()
	interp := p.interps[host.SiteID()]
	delete(p.interps, host.SiteID())
	p.mu.Unlock()
	if interp != nil {
		interp.Close()
	}
	return nil
}

// Sites returns how many sites have a live interpreter.
func (p *Plugin) Sites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.interps)
}
