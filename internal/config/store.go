// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/picamctl/picamctl/internal/log"
)

// Store persists validated camera settings to a single JSON file.
// Writes are atomic: a crash mid-write never leaves a truncated record.
type Store struct {
	path string

	mu sync.Mutex
}

// NewStore creates a settings store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the last persisted valid settings, or the documented defaults
// if no record exists. A corrupt or invalid record is rejected and the
// defaults are returned alongside the error; the file on disk is untouched.
func (s *Store) Load() (CameraSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger := log.WithComponent("settings")
			logger.Info().
				Str(log.FieldPath, s.path).
				Msg("no persisted settings, using defaults")
			return DefaultSettings(), nil
		}
		return DefaultSettings(), fmt.Errorf("read settings %s: %w", s.path, err)
	}

	// Unknown keys from older records are dropped; missing keys keep defaults.
	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings(), fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if err := settings.Validate(); err != nil {
		return DefaultSettings(), fmt.Errorf("persisted settings invalid: %w", err)
	}
	return settings, nil
}

// Save validates and atomically persists the settings. renameio writes to a
// temporary file, fsyncs, and renames over the previous record.
func (s *Store) Save(settings CameraSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithComponent("settings")
	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending settings file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}

	logger.Info().
		Str(log.FieldPath, s.path).
		Str(log.FieldResolution, settings.Resolution().String()).
		Int(log.FieldFPS, settings.Framerate).
		Msg("settings saved")
	return nil
}
