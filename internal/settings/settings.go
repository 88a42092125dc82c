// Package settings provides the runtime-adjustable risk gates, persisted
// crash-safe to a single JSON file.
//
// Writes use atomic file replacement (write to .tmp, fsync, then rename) so
// the file is never left in a partial state. Update persists before it
// returns, which lets RPC handlers acknowledge only durable state.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"tradebridge/pkg/types"
)

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	MinConfidence      *float64 `json:"min_confidence,omitempty"`
	AutoTradingEnabled *bool    `json:"auto_trading_enabled,omitempty"`
}

// Manager owns the current settings value and its file. All operations are
// mutex-protected; OnChange subscribers are invoked outside the lock.
type Manager struct {
	mu       sync.Mutex
	path     string
	current  types.Settings
	onChange []func(types.Settings)
	logger   *slog.Logger
}

// New loads persisted settings from path, falling back to defaults when no
// file exists yet. A corrupt file is an error — silently reverting risk
// gates to defaults is worse than refusing to start.
func New(path string, defaults types.Settings, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		path:    path,
		current: defaults,
		logger:  logger.With("component", "settings"),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		m.logger.Info("no settings file, using defaults",
			"min_confidence", defaults.MinConfidence,
			"auto_trading", defaults.AutoTradingEnabled,
		)
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		var loaded types.Settings
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("unmarshal settings %s: %w", path, err)
		}
		m.current = loaded
		m.logger.Info("settings loaded",
			"min_confidence", loaded.MinConfidence,
			"auto_trading", loaded.AutoTradingEnabled,
		)
	}
	return m, nil
}

// Get returns the current settings.
func (m *Manager) Get() types.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update applies a patch, persists the result, and returns the effective
// settings. The file hits disk before Update returns.
func (m *Manager) Update(patch Patch) (types.Settings, error) {
	m.mu.Lock()

	next := m.current
	if patch.MinConfidence != nil {
		v := *patch.MinConfidence
		if v < 0 || v > 1 {
			m.mu.Unlock()
			return m.current, fmt.Errorf("min_confidence %v out of range [0, 1]", v)
		}
		next.MinConfidence = v
	}
	if patch.AutoTradingEnabled != nil {
		next.AutoTradingEnabled = *patch.AutoTradingEnabled
	}

	if err := m.persistLocked(next); err != nil {
		m.mu.Unlock()
		return m.current, err
	}
	m.current = next
	listeners := append([]func(types.Settings){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Info("settings updated",
		"min_confidence", next.MinConfidence,
		"auto_trading", next.AutoTradingEnabled,
	)
	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// Persist flushes the current value to disk. Used by shutdown.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(m.current)
}

// OnChange registers a listener invoked after every successful Update.
func (m *Manager) OnChange(fn func(types.Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// persistLocked writes settings atomically: tmp file, fsync, rename.
func (m *Manager) persistLocked(s types.Settings) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	return os.Rename(tmp, m.path)
}
