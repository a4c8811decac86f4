package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	yes := true
	base := &Config{
		Session: SessionConfig{
			Directory:           "~/Audio/Sessions",
			StorageRoots:        []string{"/mnt/a"},
			DiskThresholdBlocks: 1000,
			ProgramName:         "sessionstate",
		},
		Engine: EngineConfig{
			Backend:    "offline",
			SampleRate: 48000,
			BlockSize:  512,
		},
		Archive: ArchiveConfig{Compression: "good", Encoder: "ffmpeg"},
	}

	profile := &Config{
		Session: SessionConfig{
			Directory:       "~/Audio/Studio", // Override directory
			PeriodicBackups: &yes,
		},
		Engine: EngineConfig{
			SampleRate: 44100, // Override sample rate
		},
	}

	result := mergeConfigs(base, profile)

	if result.Session.Directory != "~/Audio/Studio" {
		t.Errorf("Expected profile directory, got %s", result.Session.Directory)
	}
	if len(result.Session.StorageRoots) != 1 || result.Session.StorageRoots[0] != "/mnt/a" {
		t.Errorf("Expected inherited storage roots, got %v", result.Session.StorageRoots)
	}
	if result.Engine.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Engine.SampleRate)
	}
	if result.Engine.Backend != "offline" || result.Engine.BlockSize != 512 {
		t.Errorf("Expected inherited engine settings, got %+v", result.Engine)
	}
	if !result.Session.PeriodicBackupsEnabled() {
		t.Error("Expected periodic backups enabled by profile")
	}
	if !result.Session.SaveHistoryEnabled() {
		t.Error("Expected save history to default to enabled")
	}

	if result.Inheritance.Fields["session.directory"] != "profile-specific" {
		t.Errorf("Expected session.directory to be profile-specific, got %s", result.Inheritance.Fields["session.directory"])
	}
	if result.Inheritance.Fields["engine.backend"] != "inherited" {
		t.Errorf("Expected engine.backend to be inherited, got %s", result.Inheritance.Fields["engine.backend"])
	}

	// The base must not be modified by the merge
	result.Session.StorageRoots[0] = "/changed"
	if base.Session.StorageRoots[0] != "/mnt/a" {
		t.Error("Merge shares storage roots with the base config")
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := DefaultConfig()
	result := mergeConfigs(base, &Config{})

	if result.Engine.SampleRate != base.Engine.SampleRate {
		t.Errorf("Expected sample rate %d, got %d", base.Engine.SampleRate, result.Engine.SampleRate)
	}
	if result.Archive.Compression != "good" {
		t.Errorf("Expected compression 'good', got %s", result.Archive.Compression)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/Sessions", filepath.Join(homeDir, "Audio/Sessions")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func TestLoadWithProfile_NoFile(t *testing.T) {
	cfg, err := LoadWithProfile("", "")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.Engine.Backend != "offline" {
		t.Errorf("Expected offline backend by default, got %s", cfg.Engine.Backend)
	}
}

func TestGlobalsSessionsDirectory(t *testing.T) {
	configContent := `
active_config: studio
globals:
    sessions_directory: /global/sessions
    storage_roots: ["/mnt/extra"]
configs:
    default:
        engine:
            sample_rate: 44100
    studio:
        session:
            directory: /profile/sessions
            storage_roots: ["/mnt/fast"]
        archive:
            compression: fast
`
	path := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	// Global directory overrides the profile directory
	if cfg.Session.Directory != "/global/sessions" {
		t.Errorf("Expected directory '/global/sessions', got '%s'", cfg.Session.Directory)
	}
	if strings.Join(cfg.Session.StorageRoots, ",") != "/mnt/fast,/mnt/extra" {
		t.Errorf("Unexpected storage roots: %v", cfg.Session.StorageRoots)
	}
	// Sample rate comes from the default profile
	if cfg.Engine.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100 from default profile, got %d", cfg.Engine.SampleRate)
	}
	if cfg.Archive.Compression != "fast" {
		t.Errorf("Expected compression 'fast', got %s", cfg.Archive.Compression)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	path := createTempConfig(t, `
configs:
    default:
        engine:
            backend: offline
`)
	if _, err := LoadWithProfile(path, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	path := createTempConfig(t, `
active_config: default
configs:
    default:
        engine:
            backend: offline
    live:
        engine:
            backend: auto
`)
	if err := UpdateActiveConfig(path, "live"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}
	root, err := ValidateConfigurationFormat(path)
	if err != nil {
		t.Fatalf("Re-reading config failed: %v", err)
	}
	if root.ActiveConfig != "live" {
		t.Errorf("Expected active config 'live', got %s", root.ActiveConfig)
	}
}
