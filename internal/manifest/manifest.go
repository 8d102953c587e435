// Package manifest records the parameters a snapshot was produced with.
// A manifest is written once, before the completion marker, and never
// rewritten.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the manifest schema version.
const CurrentVersion = 1

// ErrExists is returned when a snapshot already has a manifest.
var ErrExists = errors.New("manifest already exists")

// Manifest is the YAML document stored as <snapshot>/.manifest.
type Manifest struct {
	Version     int       `yaml:"version"`
	Snapshot    string    `yaml:"snapshot"`
	Source      string    `yaml:"source"`
	Destination string    `yaml:"destination"`
	LinkBase    string    `yaml:"link_base,omitempty"`
	Label       string    `yaml:"label,omitempty"`
	Hostname    string    `yaml:"hostname"`
	ToolVersion string    `yaml:"tool_version"`
	CreatedAt   time.Time `yaml:"created_at"`
	Sync        Sync      `yaml:"sync"`
	Excludes    Excludes  `yaml:"excludes"`
	Downgrades  []string  `yaml:"downgrades,omitempty"`
	DurationSec float64   `yaml:"duration_seconds"`
	Filesystem  string    `yaml:"filesystem,omitempty"`
}

// Sync describes the sync primitive invocation.
type Sync struct {
	Binary  string   `yaml:"binary"`
	Version string   `yaml:"version"`
	Options []string `yaml:"options"`
}

// Excludes describes the exclude set applied to the copy.
type Excludes struct {
	Sources  []string `yaml:"sources"`
	Count    int      `yaml:"count"`
	Digest   string   `yaml:"digest"`
	Patterns []string `yaml:"patterns,omitempty"`
}

// Marshal encodes m as YAML with two-space indentation.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Write creates path exclusively and stores m there, synced to disk.
// An existing manifest is never overwritten.
func Write(path string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("create manifest %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync manifest %s: %w", path, err)
	}
	return f.Close()
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("manifest %s has unsupported version %d", path, m.Version)
	}
	return &m, nil
}
