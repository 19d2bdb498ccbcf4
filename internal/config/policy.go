package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/alertforge/notify-core/internal/domain"
	"github.com/alertforge/notify-core/internal/ratelimit"
	"github.com/alertforge/notify-core/internal/routing"
)

const policyReloadDebounce = 250 * time.Millisecond

// PolicyFile is the operator-edited YAML document carrying the routing
// policy and the per-channel rate limit parameters.
type PolicyFile struct {
	Routing    routing.Policy                      `yaml:"routing"`
	RateLimits map[domain.Channel]ratelimit.Config `yaml:"rateLimits"`
}

func (f *PolicyFile) Validate() error {
	if f == nil {
		return fmt.Errorf("policy file is empty")
	}
	if err := f.Routing.Normalize().Validate(); err != nil {
		return fmt.Errorf("routing policy: %w", err)
	}
	for ch, cfg := range f.RateLimits {
		if !ch.IsValid() {
			return fmt.Errorf("rate limit entry has an empty channel name")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("rate limit for channel %q: %w", ch, err)
		}
	}
	return nil
}

// PolicyManager loads the policy file and hot-reloads it on change. A
// reload that fails to parse, validate, or apply leaves the previous
// policy in place.
type PolicyManager struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *PolicyFile

	// apply pushes an accepted policy into the router and rate limiter.
	// It runs before commit; an error rejects the reload.
	apply func(*PolicyFile) error
}

func NewPolicyManager(path string, apply func(*PolicyFile) error, logger *zap.Logger) *PolicyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyManager{path: path, apply: apply, logger: logger}
}

// Parse reads and validates the file without committing it.
func (m *PolicyManager) Parse() (*PolicyFile, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	var file PolicyFile
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Load parses, applies, and commits the policy file once at startup.
func (m *PolicyManager) Load() (*PolicyFile, error) {
	file, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if m.apply != nil {
		if err := m.apply(file); err != nil {
			return nil, err
		}
	}
	m.commit(file)
	return file, nil
}

func (m *PolicyManager) commit(file *PolicyFile) {
	m.mu.Lock()
	m.current = file
	m.mu.Unlock()
}

func (m *PolicyManager) Current() *PolicyFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch blocks until ctx ends, reloading the policy after every change
// to the file. Editor rename/replace sequences are handled by watching
// the directory and debouncing bursts of events.
func (m *PolicyManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to init policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(policyReloadDebounce, func() {
			m.reload()
		})
	}

	m.logger.Info("policy watcher started", zap.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("policy watcher closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("policy watcher closed")
			}
			if err != nil {
				m.logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}
}

func (m *PolicyManager) reload() {
	parsed, err := m.Parse()
	if err != nil {
		m.logger.Warn("policy reload rejected",
			zap.String("path", m.path),
			zap.Error(err),
		)
		return
	}
	if m.apply != nil {
		if err := m.apply(parsed); err != nil {
			m.logger.Warn("policy reload rejected by apply hook",
				zap.String("path", m.path),
				zap.Error(err),
			)
			return
		}
	}
	m.commit(parsed)
	m.logger.Info("policy reloaded",
		zap.String("path", m.path),
		zap.Int("rules", len(parsed.Routing.Rules)),
		zap.Int("rateLimits", len(parsed.RateLimits)),
	)
}
