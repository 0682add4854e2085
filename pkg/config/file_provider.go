package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CatalogInstaller publishes a converted catalog.
type CatalogInstaller interface {
	Install(cat *Catalog) error
}

// LoadCatalogFile reads and converts a catalog file.
func LoadCatalogFile(path string) (*Catalog, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	doc, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	cat, err := doc.ToDomain()
	if err != nil {
		return nil, fmt.Errorf("failed to convert catalog: %w", err)
	}
	return cat, nil
}

// FileCatalogProvider installs the catalog from a local file and reinstalls it when
// the file changes.
type FileCatalogProvider struct {
	path      string
	installer CatalogInstaller
	logger    *slog.Logger
	debounce  time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error
	reloaded int
}

// NewFileCatalogProvider loads path once and installs it. A failed initial load is
// returned to the caller.
func NewFileCatalogProvider(path string, installer CatalogInstaller, logger *slog.Logger) (*FileCatalogProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileCatalogProvider{
		path:      absPath,
		installer: installer,
		logger:    logger.With("component", "catalog_provider", "path", absPath),
		debounce:  100 * time.Millisecond,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the watched file.
func (p *FileCatalogProvider) Path() string { return p.path }

// Reload reads the file and installs it. The previous catalog stays active on error.
func (p *FileCatalogProvider) Reload() error {
	cat, err := LoadCatalogFile(p.path)
	if err == nil {
		err = p.installer.Install(cat)
	}

	p.mu.Lock()
	p.lastErr = err
	if err == nil {
		p.reloaded++
	}
	p.mu.Unlock()
	return err
}

// Status reports the number of successful loads and the last load error.
func (p *FileCatalogProvider) Status() (loads int, lastErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloaded, p.lastErr
}

// Watch starts reloading on file changes until ctx is done or Close is called.
func (p *FileCatalogProvider) Watch(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.watcher = watcher
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.watchLoop(ctx, watcher, p.done)
	return nil
}

// Close stops the watcher.
func (p *FileCatalogProvider) Close() error {
	p.mu.Lock()
	watcher, cancel, done := p.watcher, p.cancel, p.done
	p.watcher = nil
	p.mu.Unlock()

	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	return err
}

func (p *FileCatalogProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.Reload(); err != nil {
					p.logger.Error("catalog reload failed, keeping previous catalog", "error", err)
					return
				}
				p.logger.Info("catalog reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("catalog watcher error", "error", err)
		}
	}
}
