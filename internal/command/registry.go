package command

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Registry holds the active ruleset and swaps it when the rules file changes.
type Registry struct {
	fs       afero.Fs
	path     string
	location *time.Location
	now      func() time.Time
	logger   *zap.SugaredLogger

	rules atomic.Pointer[Ruleset]
}

// RegistryConfig configures a Registry. An empty Path uses the embedded rules.
type RegistryConfig struct {
	Fs       afero.Fs
	Path     string
	Location *time.Location
	Now      func() time.Time
}

// NewRegistry loads the ruleset from cfg.Path, or the embedded default.
func NewRegistry(cfg RegistryConfig, logger *zap.SugaredLogger) (*Registry, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		fs:       cfg.Fs,
		path:     cfg.Path,
		location: cfg.Location,
		now:      cfg.Now,
		logger:   logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the rules file. The active ruleset is kept on error.
func (r *Registry) Reload() error {
	if r.path == "" {
		rs, err := DefaultRuleset()
		if err != nil {
			return fmt.Errorf("embedded rules: %w", err)
		}
		r.rules.Store(rs)
		return nil
	}

	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return fmt.Errorf("read rules %s: %w", r.path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse rules %s: %w", r.path, err)
	}
	r.rules.Store(rs)
	r.logger.Infof("command: loaded %d rules from %s", len(rs.Rules), r.path)
	return nil
}

// Current returns the active ruleset.
func (r *Registry) Current() *Ruleset {
	return r.rules.Load()
}

// QuickTriggers returns the words that let an interim transcript commit early.
func (r *Registry) QuickTriggers() []string {
	return r.rules.Load().QuickTriggers
}

// Resolve maps text to an action using the active ruleset and local time.
func (r *Registry) Resolve(text string) (Action, error) {
	return r.rules.Load().Resolve(text, r.now().In(r.location))
}

// Watch reloads the rules whenever the file changes, until ctx is done. It
// watches the parent directory so editors that replace the file are seen.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warnf("command: reload failed, keeping previous rules: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warnf("command: watcher error: %v", err)
		}
	}
}
