package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/snapkeep.env
var embeddedTemplate string

// defaultTemplate is swapped in tests.
var defaultTemplate = embeddedTemplate

// DefaultEnvTemplate returns the commented default configuration.
func DefaultEnvTemplate() string {
	return defaultTemplate
}

// WriteDefaultConfig writes the default template to path. An existing file
// is never overwritten.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create config %s: %w", path, err)
	}
	if _, err := f.WriteString(DefaultEnvTemplate()); err != nil {
		f.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return f.Close()
}
