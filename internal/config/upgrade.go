package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tis24dev/snapkeep/pkg/utils"
)

// UpgradeResult describes what merging a config with the template did.
type UpgradeResult struct {
	// BackupPath is the copy of the previous file; empty for plans.
	BackupPath string
	// MissingKeys were absent from the user's file and added with defaults.
	MissingKeys []string
	// ExtraKeys are unknown to the template and kept in a custom section.
	ExtraKeys []string
	// PreservedValues counts user values kept for template keys.
	PreservedValues int
	Changed         bool
}

// UpgradeConfigFile merges the user's configuration with the embedded
// template: template layout and comments are kept, user values win, missing
// keys get their defaults, and unknown keys move to a trailing section. The
// previous file is kept as <path>.backup.<timestamp>.
func UpgradeConfigFile(configPath string) (*UpgradeResult, error) {
	result, newContent, originalContent, err := computeConfigUpgrade(configPath)
	if err != nil || !result.Changed {
		return result, err
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(configPath); err == nil {
		mode = info.Mode() & os.ModePerm
	}

	backupPath := fmt.Sprintf("%s.backup.%s", configPath, time.Now().Format("20060102_150405"))
	if err := os.WriteFile(backupPath, originalContent, mode); err != nil {
		return result, fmt.Errorf("failed to create backup %s: %w", backupPath, err)
	}

	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(newContent), mode); err != nil {
		_ = os.Remove(tmpPath)
		return result, fmt.Errorf("failed to write temporary config %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		_ = os.Remove(tmpPath)
		return result, fmt.Errorf("failed to replace config %s: %w", configPath, err)
	}
	result.BackupPath = backupPath

	if _, err := LoadConfig(configPath); err != nil {
		_ = os.Rename(backupPath, configPath)
		return result, fmt.Errorf("upgraded config invalid, restored backup: %w", err)
	}
	return result, nil
}

// PlanUpgradeConfigFile reports what UpgradeConfigFile would change.
func PlanUpgradeConfigFile(configPath string) (*UpgradeResult, error) {
	result, _, _, err := computeConfigUpgrade(configPath)
	result.BackupPath = ""
	return result, err
}

func computeConfigUpgrade(configPath string) (*UpgradeResult, string, []byte, error) {
	result := &UpgradeResult{}

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		return result, "", nil, fmt.Errorf("configuration path is empty")
	}
	originalContent, err := os.ReadFile(configPath)
	if err != nil {
		return result, "", nil, fmt.Errorf("cannot read configuration file %s: %w", configPath, err)
	}

	lineEnding := "\n"
	if strings.Contains(string(originalContent), "\r\n") {
		lineEnding = "\r\n"
	}

	userValues := make(map[string]string)
	var userKeyOrder []string
	for _, line := range strings.Split(strings.ReplaceAll(string(originalContent), "\r\n", "\n"), "\n") {
		if utils.IsComment(line) {
			continue
		}
		key, _, ok := utils.SplitKeyValue(line)
		if !ok {
			continue
		}
		if _, seen := userValues[key]; !seen {
			userKeyOrder = append(userKeyOrder, key)
		}
		// keep the raw right-hand side so quoting survives the rewrite
		_, rhs, _ := strings.Cut(line, "=")
		userValues[key] = strings.TrimSpace(rhs)
	}

	template := strings.ReplaceAll(DefaultEnvTemplate(), "\r\n", "\n")
	templateKeys := make(map[string]bool)
	var newLines []string
	for _, line := range strings.Split(template, "\n") {
		if utils.IsComment(line) {
			newLines = append(newLines, line)
			continue
		}
		key, _, ok := utils.SplitKeyValue(line)
		if !ok {
			newLines = append(newLines, line)
			continue
		}
		templateKeys[key] = true
		if value, ok := userValues[key]; ok {
			newLines = append(newLines, key+"="+value)
			result.PreservedValues++
		} else {
			result.MissingKeys = append(result.MissingKeys, key)
			newLines = append(newLines, line)
		}
	}

	var extraLines []string
	for _, key := range userKeyOrder {
		if templateKeys[key] {
			continue
		}
		result.ExtraKeys = append(result.ExtraKeys, key)
		extraLines = append(extraLines, key+"="+userValues[key])
	}
	if len(extraLines) > 0 {
		newLines = append(newLines,
			"",
			"# ----------------------------------------------------------------------",
			"# Custom keys preserved from previous configuration (not present in template)",
			"# ----------------------------------------------------------------------",
		)
		newLines = append(newLines, extraLines...)
	}

	if len(result.MissingKeys) == 0 && len(result.ExtraKeys) == 0 {
		return result, "", originalContent, nil
	}

	newContent := strings.Join(newLines, lineEnding)
	if strings.HasSuffix(template, "\n") && !strings.HasSuffix(newContent, lineEnding) {
		newContent += lineEnding
	}
	result.Changed = true
	return result, newContent, originalContent, nil
}
