package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type GlobalsConfig struct {
	SessionsDirectory string   `mapstructure:"sessions_directory" yaml:"sessions_directory"`
	StorageRoots      []string `mapstructure:"storage_roots" yaml:"storage_roots"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Engine       *EngineConfig      `mapstructure:"engine,omitempty" yaml:"engine,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Fields map[string]string // "inherited" or "profile-specific"
}

type SessionConfig struct {
	Directory           string   `mapstructure:"directory" yaml:"directory"`
	StorageRoots        []string `mapstructure:"storage_roots" yaml:"storage_roots"`
	DiskThresholdBlocks uint64   `mapstructure:"disk_threshold_blocks" yaml:"disk_threshold_blocks"`
	SaveHistory         *bool    `mapstructure:"save_history,omitempty" yaml:"save_history,omitempty"`
	HistoryDepth        int      `mapstructure:"history_depth" yaml:"history_depth"`
	PeriodicBackups     *bool    `mapstructure:"periodic_backups,omitempty" yaml:"periodic_backups,omitempty"`
	ProgramName         string   `mapstructure:"program_name" yaml:"program_name"`
}

type EngineConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // "offline", "pipewire", "auto"
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	BlockSize  int    `mapstructure:"block_size" yaml:"block_size"`
	// ProcessorTypes restricts which processor types can be restored. Empty allows all.
	ProcessorTypes []string `mapstructure:"processor_types" yaml:"processor_types"`
}

type ArchiveConfig struct {
	Compression string   `mapstructure:"compression" yaml:"compression"` // "none", "fast", "good"
	Encoder     string   `mapstructure:"encoder" yaml:"encoder"`
	S3          S3Config `mapstructure:"s3" yaml:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// SaveHistoryEnabled defaults to true.
func (s SessionConfig) SaveHistoryEnabled() bool {
	return s.SaveHistory == nil || *s.SaveHistory
}

func (s SessionConfig) PeriodicBackupsEnabled() bool {
	return s.PeriodicBackups != nil && *s.PeriodicBackups
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Directory:           filepath.Join(os.Getenv("HOME"), "Audio", "Sessions"),
			DiskThresholdBlocks: 262144,
			HistoryDepth:        0,
			ProgramName:         "sessionstate",
		},
		Engine: EngineConfig{
			Backend:    "offline",
			SampleRate: 48000,
			BlockSize:  1024,
		},
		Archive: ArchiveConfig{
			Compression: "good",
			Encoder:     "ffmpeg",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return DefaultConfig(), nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Merge with default config if it exists and we're not already using default
	result := mergeConfigs(DefaultConfig(), selected)
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			result = mergeConfigs(mergeConfigs(DefaultConfig(), defaultProfile), selected)
		}
	}

	// Global engine settings only fill gaps left by the profiles
	if rootConfig.Engine != nil {
		if result.Engine.Backend == "" {
			result.Engine.Backend = rootConfig.Engine.Backend
		}
		if result.Engine.SampleRate == 0 {
			result.Engine.SampleRate = rootConfig.Engine.SampleRate
		}
	}

	// Global directories take priority over profile-specific ones
	if rootConfig.Globals != nil {
		if rootConfig.Globals.SessionsDirectory != "" {
			result.Session.Directory = rootConfig.Globals.SessionsDirectory
		}
		result.Session.StorageRoots = append(result.Session.StorageRoots, rootConfig.Globals.StorageRoots...)
	}

	result.Session.Directory = expandPath(result.Session.Directory)
	for i, r := range result.Session.StorageRoots {
		result.Session.StorageRoots[i] = expandPath(r)
	}

	if err := validateConfig(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return result, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs lays profile over base: every non-zero profile field wins,
// everything else is inherited.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{Fields: map[string]string{}}
	if base != nil {
		*result = *base
		result.Session.StorageRoots = append([]string(nil), base.Session.StorageRoots...)
		result.Inheritance = &InheritanceInfo{Fields: map[string]string{}}
	}
	if profile == nil {
		return result
	}

	mark := func(field string, set bool) {
		if set {
			result.Inheritance.Fields[field] = "profile-specific"
		} else {
			result.Inheritance.Fields[field] = "inherited"
		}
	}

	s, p := &result.Session, profile.Session
	mark("session.directory", p.Directory != "")
	if p.Directory != "" {
		s.Directory = p.Directory
	}
	mark("session.storage_roots", len(p.StorageRoots) > 0)
	if len(p.StorageRoots) > 0 {
		s.StorageRoots = append([]string(nil), p.StorageRoots...)
	}
	mark("session.disk_threshold_blocks", p.DiskThresholdBlocks != 0)
	if p.DiskThresholdBlocks != 0 {
		s.DiskThresholdBlocks = p.DiskThresholdBlocks
	}
	mark("session.save_history", p.SaveHistory != nil)
	if p.SaveHistory != nil {
		s.SaveHistory = p.SaveHistory
	}
	mark("session.history_depth", p.HistoryDepth != 0)
	if p.HistoryDepth != 0 {
		s.HistoryDepth = p.HistoryDepth
	}
	mark("session.periodic_backups", p.PeriodicBackups != nil)
	if p.PeriodicBackups != nil {
		s.PeriodicBackups = p.PeriodicBackups
	}
	mark("session.program_name", p.ProgramName != "")
	if p.ProgramName != "" {
		s.ProgramName = p.ProgramName
	}

	e, pe := &result.Engine, profile.Engine
	mark("engine.backend", pe.Backend != "")
	if pe.Backend != "" {
		e.Backend = pe.Backend
	}
	mark("engine.sample_rate", pe.SampleRate != 0)
	if pe.SampleRate != 0 {
		e.SampleRate = pe.SampleRate
	}
	mark("engine.block_size", pe.BlockSize != 0)
	if pe.BlockSize != 0 {
		e.BlockSize = pe.BlockSize
	}
	if len(pe.ProcessorTypes) > 0 {
		e.ProcessorTypes = pe.ProcessorTypes
	}

	a, pa := &result.Archive, profile.Archive
	mark("archive.compression", pa.Compression != "")
	if pa.Compression != "" {
		a.Compression = pa.Compression
	}
	if pa.Encoder != "" {
		a.Encoder = pa.Encoder
	}
	mark("archive.s3", pa.S3.Bucket != "")
	if pa.S3.Bucket != "" {
		a.S3 = pa.S3
	}

	mark("metrics.listen", profile.Metrics.Listen != "")
	if profile.Metrics.Listen != "" {
		result.Metrics.Listen = profile.Metrics.Listen
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// validateConfig checks the resolved configuration
func validateConfig(c *Config) error {
	switch strings.ToLower(c.Engine.Backend) {
	case "offline", "pipewire", "auto":
	default:
		return fmt.Errorf("engine.backend must be 'offline', 'pipewire' or 'auto', got: %s", c.Engine.Backend)
	}
	if c.Engine.SampleRate < 0 {
		return fmt.Errorf("engine.sample_rate must be >= 0, got: %d", c.Engine.SampleRate)
	}
	if c.Engine.BlockSize < 0 {
		return fmt.Errorf("engine.block_size must be >= 0, got: %d", c.Engine.BlockSize)
	}

	switch c.Archive.Compression {
	case "none", "fast", "good":
	default:
		return fmt.Errorf("archive.compression must be 'none', 'fast' or 'good', got: %s", c.Archive.Compression)
	}

	if c.Session.HistoryDepth < 0 {
		return fmt.Errorf("session.history_depth must be >= 0, got: %d", c.Session.HistoryDepth)
	}

	s3 := c.Archive.S3
	if s3.Bucket != "" && s3.Region == "" && s3.Endpoint == "" {
		return fmt.Errorf("archive.s3: 'region' or 'endpoint' is required when a bucket is set")
	}
	if (s3.AccessKey == "") != (s3.SecretKey == "") {
		return fmt.Errorf("archive.s3: 'access_key' and 'secret_key' must be given together")
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("SESSIONSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}
	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
	}
	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}
