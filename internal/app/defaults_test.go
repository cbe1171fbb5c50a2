package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("REPOYARD_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("REPOYARD_HOME", "/custom/repoyard")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q", defaults["config_path"])
		}
		if defaults["data_dir"] != "/custom/repoyard" {
			t.Errorf("data_dir = %q", defaults["data_dir"])
		}
		if defaults["log_dir"] != "/custom/repoyard/log" {
			t.Errorf("log_dir = %q", defaults["log_dir"])
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("REPOYARD_CONFIG_PATH", "")
		t.Setenv("REPOYARD_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		if want := filepath.Join(homeDir, ".config", "repoyard", "config.toml"); defaults["config_path"] != want {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], want)
		}
		if want := filepath.Join(homeDir, ".repoyard"); defaults["data_dir"] != want {
			t.Errorf("data_dir = %q, want %q", defaults["data_dir"], want)
		}
	})
}
