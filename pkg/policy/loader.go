package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long Watch waits after the last change before
// reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the complete policy set after a change on disk.
type ReloadFunc func(ctx context.Context, policies []Policy) error

type parseFunc func(path string, data []byte) (*Policy, error)

var parsers = map[string]parseFunc{
	".rego": parseRego,
	".json": parseJSON,
}

func isPolicyFile(path string) bool {
	_, ok := parsers[filepath.Ext(path)]
	return ok
}

// Loader reads policies from .rego and .json files and can watch them for
// changes. Parsed files are cached until their modification time changes.
type Loader struct {
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

type cachedPolicy struct {
	modTime time.Time
	policy  *Policy
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file named by paths, descending into
// directories. A named file that cannot be read or parsed is an error; inside
// a directory such files are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.LoadFile(root)
			if err != nil {
				return nil, err
			}
			out = append(out, *p)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(path) {
				return err
			}
			p, err := l.LoadFile(path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

// LoadFile parses one policy file.
func (l *Loader) LoadFile(path string) (*Policy, error) {
	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	c, hit := l.cache[path]
	l.mu.Unlock()
	if hit && c.modTime.Equal(info.ModTime()) {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()
	return p, nil
}

// parseRego names the policy after its file. The comment block opening the
// module becomes the description.
func parseRego(path string, data []byte) (*Policy, error) {
	src := string(data)
	var desc []string
	for line := range strings.Lines(src) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			desc = append(desc, comment)
		}
	}
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: strings.Join(desc, " "),
		Rego:        src,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// parseJSON reads a Policy document. Name defaults to the file name and
// severity to warning.
func parseJSON(path string, data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, errors.New("policy " + p.Name + " has no rego")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return p, nil
}

// Watch watches paths (directories recursively) and calls reload with the
// full policy set once changes have settled for Debounce. It returns once
// the watcher is running; watching ends with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, reload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir() || path == root:
				return w.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watch(ctx, w, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, reload ReloadFunc) {
	delay := l.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	settle := time.NewTimer(delay)
	settle.Stop()
	defer settle.Stop()

	const changes = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&changes == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			settle.Reset(delay)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		case <-settle.C:
			if err := l.reload(ctx, paths, reload); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply ReloadFunc) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(ctx, policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
