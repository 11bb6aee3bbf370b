package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the name of the linetest configuration file
const ConfigFileName = "config.yaml"

// ConfigDirName is the name of the linetest state directory
const ConfigDirName = ".linetest"

// Config holds all linetest configuration
type Config struct {
	Harness HarnessConfig `yaml:"harness"`
	Scan    ScanConfig    `yaml:"scan"`
	Output  OutputConfig  `yaml:"output"`
}

// HarnessConfig holds configuration for the coverage collection harness
type HarnessConfig struct {
	// Parallel bounds the number of concurrent test runs.
	Parallel int `yaml:"parallel"`
	// TestArgs are extra arguments appended to every go test invocation.
	TestArgs []string `yaml:"test_args"`
	// ListPattern selects which test functions to index.
	ListPattern string `yaml:"list_pattern"`
}

// ScanConfig holds configuration for which source files are indexed
type ScanConfig struct {
	Exclude []string `yaml:"exclude"`
}

// OutputConfig holds configuration for output formatting
type OutputConfig struct {
	Format string `yaml:"format"`
}

// ErrConfigNotFound is returned when no config file can be found
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidConfig is returned when config validation fails
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads config from .linetest/config.yaml, falling back to defaults.
// It searches for the state directory starting from workDir and walking up
// the directory tree. If no config is found, returns defaults.
func Load(workDir string) (*Config, error) {
	configDir, err := FindConfigDir(workDir)
	if err != nil {
		// No config dir found, return defaults
		return DefaultConfig(), nil
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	return LoadFromPath(configPath)
}

// LoadFromPath reads config from a specific path.
// Merges loaded config with defaults and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	merged := Merge(loaded, DefaultConfig())

	if err := Validate(merged); err != nil {
		return nil, err
	}

	return merged, nil
}

// FindConfigDir locates the .linetest directory by walking up from startDir.
// Returns the path to the .linetest directory if found.
func FindConfigDir(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	currentDir := absDir
	for {
		configDir := filepath.Join(currentDir, ConfigDirName)
		info, err := os.Stat(configDir)
		if err == nil && info.IsDir() {
			return configDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			// Reached root, config not found
			return "", ErrConfigNotFound
		}
		currentDir = parentDir
	}
}

// EnsureConfigDir creates the .linetest directory if it doesn't exist.
// Returns the path to the .linetest directory.
func EnsureConfigDir(workDir string) (string, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	configDir := filepath.Join(absDir, ConfigDirName)

	info, err := os.Stat(configDir)
	if err == nil {
		if info.IsDir() {
			return configDir, nil
		}
		return "", fmt.Errorf("%s exists but is not a directory", configDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	return configDir, nil
}

// Validate checks that config values are valid.
// Returns an error if validation fails.
func Validate(cfg *Config) error {
	if cfg.Harness.Parallel <= 0 {
		return fmt.Errorf("%w: parallel must be positive, got %d",
			ErrInvalidConfig, cfg.Harness.Parallel)
	}

	if cfg.Harness.ListPattern == "" {
		return fmt.Errorf("%w: list_pattern must not be empty", ErrInvalidConfig)
	}

	if !IsValidFormat(cfg.Output.Format) {
		return fmt.Errorf("%w: format must be one of %v, got %q",
			ErrInvalidConfig, ValidFormats, cfg.Output.Format)
	}

	return nil
}

// SaveDefault writes the default configuration to .linetest/config.yaml in
// workDir. Creates the .linetest directory if it doesn't exist.
func SaveDefault(workDir string) (string, error) {
	configDir, err := EnsureConfigDir(workDir)
	if err != nil {
		return "", err
	}

	configPath := filepath.Join(configDir, ConfigFileName)

	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("config file already exists: %s", configPath)
	}

	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	header := "# linetest configuration\n\n"
	data = append([]byte(header), data...)

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return configPath, nil
}

// DefaultConfig returns configuration with sensible defaults.
// These defaults are used when no config file exists or when
// config file is missing specific fields.
func DefaultConfig() *Config {
	return &Config{
		Harness: HarnessConfig{
			Parallel:    runtime.NumCPU(),
			TestArgs:    nil,
			ListPattern: "^(Test|Fuzz)",
		},
		Scan: ScanConfig{
			Exclude: []string{
				"vendor/**",
				"**/testdata/**",
			},
		},
		Output: OutputConfig{
			Format: "text",
		},
	}
}

// Merge merges loaded config with defaults.
// Values from loaded config take precedence over defaults.
// Returns a new Config with merged values.
func Merge(loaded, defaults *Config) *Config {
	result := &Config{}

	result.Harness = mergeHarnessConfig(loaded.Harness, defaults.Harness)
	result.Scan = mergeScanConfig(loaded.Scan, defaults.Scan)
	result.Output = mergeOutputConfig(loaded.Output, defaults.Output)

	return result
}

func mergeHarnessConfig(loaded, defaults HarnessConfig) HarnessConfig {
	result := HarnessConfig{}

	// Parallel: use loaded if non-zero
	if loaded.Parallel != 0 {
		result.Parallel = loaded.Parallel
	} else {
		result.Parallel = defaults.Parallel
	}

	// Use loaded test args if provided, otherwise defaults
	if len(loaded.TestArgs) > 0 {
		result.TestArgs = loaded.TestArgs
	} else {
		result.TestArgs = defaults.TestArgs
	}

	// ListPattern: use loaded if non-empty
	if loaded.ListPattern != "" {
		result.ListPattern = loaded.ListPattern
	} else {
		result.ListPattern = defaults.ListPattern
	}

	return result
}

func mergeScanConfig(loaded, defaults ScanConfig) ScanConfig {
	result := ScanConfig{}

	// Use loaded exclude patterns if provided, otherwise defaults
	if len(loaded.Exclude) > 0 {
		result.Exclude = loaded.Exclude
	} else {
		result.Exclude = defaults.Exclude
	}

	return result
}

func mergeOutputConfig(loaded, defaults OutputConfig) OutputConfig {
	result := OutputConfig{}

	// Format: use loaded if non-empty
	if loaded.Format != "" {
		result.Format = loaded.Format
	} else {
		result.Format = defaults.Format
	}

	return result
}

// ValidFormats lists the valid values for output format
var ValidFormats = []string{"text", "yaml", "json"}

// IsValidFormat checks if the given format value is valid
func IsValidFormat(format string) bool {
	for _, valid := range ValidFormats {
		if format == valid {
			return true
		}
	}
	return false
}
