package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const upgradeTemplate = `# paths
SOURCE_PATH=
DESTINATION_PATH=
MAX_AGE_DAYS=90
`

func withTemplate(t *testing.T, template string, fn func()) {
	t.Helper()
	orig := defaultTemplate
	defaultTemplate = template
	defer func() { defaultTemplate = orig }()
	fn()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapkeep.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}
	return path
}

func TestPlanUpgradeConfigNoChanges(t *testing.T) {
	withTemplate(t, upgradeTemplate, func() {
		result, err := PlanUpgradeConfigFile(writeConfig(t, upgradeTemplate))
		if err != nil {
			t.Fatalf("PlanUpgradeConfigFile returned error: %v", err)
		}
		if result.Changed {
			t.Fatal("result.Changed = true; want false for identical config")
		}
		if result.PreservedValues != 3 {
			t.Errorf("PreservedValues = %d; want 3", result.PreservedValues)
		}
	})
}

func TestUpgradeConfigAddsMissingKeys(t *testing.T) {
	withTemplate(t, upgradeTemplate, func() {
		configPath := writeConfig(t, "SOURCE_PATH=/Users/me\n")

		result, err := UpgradeConfigFile(configPath)
		if err != nil {
			t.Fatalf("UpgradeConfigFile returned error: %v", err)
		}
		if !result.Changed {
			t.Fatal("expected result.Changed=true for missing keys")
		}
		if strings.Join(result.MissingKeys, ",") != "DESTINATION_PATH,MAX_AGE_DAYS" {
			t.Errorf("MissingKeys = %v", result.MissingKeys)
		}

		data, _ := os.ReadFile(configPath)
		content := string(data)
		if !strings.Contains(content, "SOURCE_PATH=/Users/me") {
			t.Fatalf("upgraded config lost SOURCE_PATH: %s", content)
		}
		if !strings.Contains(content, "MAX_AGE_DAYS=90") || !strings.HasPrefix(content, "# paths") {
			t.Fatalf("template layout not applied: %s", content)
		}
	})
}

func TestUpgradeConfigCreatesBackupAndCustomSection(t *testing.T) {
	withTemplate(t, upgradeTemplate, func() {
		legacy := "SOURCE_PATH=/src\nEXTRA_KEY=\"quoted value\"\n"
		configPath := writeConfig(t, legacy)

		result, err := UpgradeConfigFile(configPath)
		if err != nil {
			t.Fatalf("UpgradeConfigFile returned error: %v", err)
		}
		if result.BackupPath == "" {
			t.Fatal("expected BackupPath to be populated after upgrade")
		}
		backup, err := os.ReadFile(result.BackupPath)
		if err != nil || string(backup) != legacy {
			t.Fatalf("backup = %q, %v; want %q", backup, err, legacy)
		}
		if len(result.ExtraKeys) != 1 || result.ExtraKeys[0] != "EXTRA_KEY" {
			t.Errorf("ExtraKeys = %v", result.ExtraKeys)
		}

		updated, _ := os.ReadFile(configPath)
		if !strings.Contains(string(updated), "Custom keys preserved") ||
			!strings.Contains(string(updated), `EXTRA_KEY="quoted value"`) {
			t.Fatalf("custom section missing or quoting lost:\n%s", updated)
		}
	})
}

func TestPlanUpgradeDoesNotWrite(t *testing.T) {
	withTemplate(t, upgradeTemplate, func() {
		configPath := writeConfig(t, "SOURCE_PATH=/src\n")
		result, err := PlanUpgradeConfigFile(configPath)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Changed || result.BackupPath != "" {
			t.Errorf("plan result = %+v", result)
		}
		data, _ := os.ReadFile(configPath)
		if string(data) != "SOURCE_PATH=/src\n" {
			t.Errorf("plan modified the file: %q", data)
		}
	})
}

func TestPlanUpgradeEmptyPath(t *testing.T) {
	if _, err := PlanUpgradeConfigFile("   "); err == nil {
		t.Fatal("expected error for empty config path")
	}
}

func TestUpgradePreservesCRLF(t *testing.T) {
	withTemplate(t, upgradeTemplate, func() {
		configPath := writeConfig(t, "SOURCE_PATH=/src\r\n")
		if _, err := UpgradeConfigFile(configPath); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(configPath)
		if !strings.Contains(string(data), "SOURCE_PATH=/src\r\nDESTINATION_PATH=\r\n") {
			t.Errorf("line endings not preserved: %q", data)
		}
	})
}
