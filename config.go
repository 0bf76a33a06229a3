package queuectl

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Configuration keys understood by the worker pool.
const (
	// SettingMaxRetries is the default attempt ceiling for new jobs.
	SettingMaxRetries = "max_retries"
	// SettingBackoffBase is the base of the exponential retry backoff.
	SettingBackoffBase = "backoff_base"
)

const (
	// DefaultMaxRetries is used when max_retries is not configured.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is used when backoff_base is not configured.
	DefaultBackoffBase = 2
)

// Settings provides access to queue configuration persisted as a JSON file.
// Values are read from disk on every access, so external edits and Set calls
// take effect on the next read without restarting workers.
type Settings struct {
	path string
	mu   sync.Mutex // serializes read-modify-write in Set
}

// NewSettings creates a Settings store backed by the JSON file at path.
// The file is created with default values if it doesn't exist.
func NewSettings(path string) (*Settings, error) {
	s := &Settings{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(defaultSettings()); err != nil {
			return nil, fmt.Errorf("failed to initialize settings file: %w", err)
		}
	}
	return s, nil
}

func defaultSettings() map[string]int {
	return map[string]int{
		SettingMaxRetries:  DefaultMaxRetries,
		SettingBackoffBase: DefaultBackoffBase,
	}
}

// MaxRetries returns the configured default retry ceiling.
func (s *Settings) MaxRetries() int {
	return s.get(SettingMaxRetries, DefaultMaxRetries)
}

// BackoffBase returns the configured backoff base.
func (s *Settings) BackoffBase() int {
	return s.get(SettingBackoffBase, DefaultBackoffBase)
}

// Get returns the value for key, or 0 and false if the key is not set.
func (s *Settings) Get(key string) (int, bool) {
	values := s.read()
	v, ok := values[key]
	return v, ok
}

// Set persists a configuration value, merging it with the existing file.
func (s *Settings) Set(key string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.read()
	values[key] = value
	if err := s.write(values); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// All returns every configured key merged over the defaults.
func (s *Settings) All() map[string]int {
	values := defaultSettings()
	for k, v := range s.read() {
		values[k] = v
	}
	return values
}

func (s *Settings) get(key string, fallback int) int {
	if v, ok := s.read()[key]; ok {
		return v
	}
	return fallback
}

// read loads the file fresh; a missing or corrupt file yields the defaults.
func (s *Settings) read() map[string]int {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return defaultSettings()
	}
	values := make(map[string]int)
	if err := json.Unmarshal(data, &values); err != nil {
		return defaultSettings()
	}
	return values
}

func (s *Settings) write(values map[string]int) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
