package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FlagFileSource reports maintenance on while the file exists. Its content is ignored.
type FlagFileSource struct {
	path string
}

// NewFlagFileSource creates a source for the given flag file
func NewFlagFileSource(path string) *FlagFileSource {
	return &FlagFileSource{path: path}
}

func (s *FlagFileSource) Name() string { return "flag-file" }

// Path returns the watched file path
func (s *FlagFileSource) Path() string { return s.path }

func (s *FlagFileSource) Read(ctx context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, ErrNotSet
	}
	return false, fmt.Errorf("failed to stat flag file: %w", err)
}

// Write creates or removes the flag file. The file is local to the pod.
func (s *FlagFileSource) Write(ctx context.Context, enabled bool) error {
	if !enabled {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove flag file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create flag file directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create flag file: %w", err)
	}
	return f.Close()
}

// ConfigMapFileSource reads a ConfigMap key projected into the pod as a file
type ConfigMapFileSource struct {
	path string
}

// NewConfigMapFileSource creates a source for a mounted ConfigMap key
func NewConfigMapFileSource(path string) *ConfigMapFileSource {
	return &ConfigMapFileSource{path: path}
}

func (s *ConfigMapFileSource) Name() string { return "configmap-file" }

// Path returns the mounted key file path
func (s *ConfigMapFileSource) Path() string { return s.path }

func (s *ConfigMapFileSource) Read(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, ErrNotSet
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ConfigMap file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return false, ErrNotSet
	}
	return parseValue(s.Name(), string(data)), nil
}

// EnvSource holds the MAINTENANCE_MODE value injected from the ConfigMap at
// pod start. It only changes when the pod restarts.
type EnvSource struct {
	value string
}

// NewEnvSource creates a source for a fixed environment value
func NewEnvSource(value string) *EnvSource {
	return &EnvSource{value: value}
}

func (s *EnvSource) Name() string { return "env" }

func (s *EnvSource) Read(ctx context.Context) (bool, error) {
	if strings.TrimSpace(s.value) == "" {
		return false, ErrNotSet
	}
	return parseValue(s.Name(), s.value), nil
}
