// internal/historian/store.go
package historian

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const configExt = ".json"

// Store persists one Config per controller under a directory.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	written map[string][]byte // last bytes written per controller
}

// NewStore creates the directory if needed.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("historian: config dir required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("historian: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log, written: make(map[string][]byte)}, nil
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path of one controller's config.
func (s *Store) Path(controller string) string {
	return filepath.Join(s.dir, controller+configExt)
}

// ControllerOf maps a config file path back to its controller name.
func ControllerOf(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, configExt) || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, configExt), true
}

// Load reads one controller's config. A missing or malformed file is
// logged and reported as absent (ok=false), never as an error.
func (s *Store) Load(controller string) (cfg Config, ok bool) {
	data, err := os.ReadFile(s.Path(controller))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("logging config unreadable", "controller", controller, "error", err)
		}
		return Config{}, false
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("logging config malformed, ignored", "controller", controller, "error", err)
		return Config{}, false
	}
	if cfg.Name == "" {
		cfg.Name = controller
	}
	return cfg, true
}

// Save rewrites one controller's config wholesale (write temp, rename).
func (s *Store) Save(controller string, cfg Config) error {
	if cfg.Name == "" {
		cfg.Name = controller
	}
	if cfg.Tags == nil {
		cfg.Tags = []Tag{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("historian: encode %s: %w", controller, err)
	}
	data = append(data, '\n')

	// recorded before the rename so the directory watcher can skip our own write
	s.mu.Lock()
	s.written[controller] = data
	s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+controller+"-*")
	if err != nil {
		return fmt.Errorf("historian: save %s: %w", controller, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("historian: save %s: %w", controller, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("historian: save %s: %w", controller, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(controller)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("historian: save %s: %w", controller, err)
	}
	return nil
}

// ChangedExternally reports whether the file differs from what Save last
// wrote. Empty files are treated as unchanged (a truncate-then-write in
// progress).
func (s *Store) ChangedExternally(controller string) bool {
	data, err := os.ReadFile(s.Path(controller))
	if err != nil || len(data) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(s.written[controller], data) {
		return false
	}
	s.written[controller] = data
	return true
}
