package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	configContent := `
active_config: default
engine:
    backend: auto
configs:
    default:
        session:
            directory: ~/Sessions
            history_depth: 20
        archive:
            s3:
                bucket: backups
                region: eu-west-1
`
	path := createTempConfig(t, configContent)

	root, err := ValidateConfigurationFormat(path)
	if err != nil {
		t.Fatalf("Expected valid configuration, got error: %v", err)
	}
	if root.Engine == nil || root.Engine.Backend != "auto" {
		t.Errorf("Expected global engine backend 'auto', got %+v", root.Engine)
	}
	def := root.Configs["default"]
	if def.Session.HistoryDepth != 20 {
		t.Errorf("Expected history depth 20, got %d", def.Session.HistoryDepth)
	}
	if def.Archive.S3.Bucket != "backups" {
		t.Errorf("Expected bucket 'backups', got %s", def.Archive.S3.Bucket)
	}
}

func TestValidateConfigurationFormat_EmptyConfigs(t *testing.T) {
	path := createTempConfig(t, `
active_config: default
`)
	_, err := ValidateConfigurationFormat(path)
	if err == nil {
		t.Fatal("Expected error for missing configs section")
	}
	if !strings.Contains(err.Error(), "configs section is required") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidActiveConfig(t *testing.T) {
	path := createTempConfig(t, `
active_config: nowhere
configs:
    default:
        engine:
            backend: offline
`)
	_, err := ValidateConfigurationFormat(path)
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("Expected error naming the missing profile, got %v", err)
	}
}

func TestLoadWithProfile_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		want    string
	}{
		{
			name: "backend",
			profile: `
        engine:
            backend: jack`,
			want: "engine.backend",
		},
		{
			name: "compression",
			profile: `
        archive:
            compression: extreme`,
			want: "archive.compression",
		},
		{
			name: "history depth",
			profile: `
        session:
            history_depth: -1`,
			want: "history_depth",
		},
		{
			name: "s3 region",
			profile: `
        archive:
            s3:
                bucket: b`,
			want: "region",
		},
		{
			name: "s3 keys",
			profile: `
        archive:
            s3:
                bucket: b
                region: r
                access_key: AK`,
			want: "secret_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfig(t, "configs:\n    default:"+tt.profile+"\n")
			_, err := LoadWithProfile(path, "")
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "sessionstate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}
