package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds all simulator options.
type Config struct {
	// From config files (serialized)
	PageSize       int    `json:"page_size,omitempty"`
	SearchPageSize int    `json:"search_page_size,omitempty"`
	LatencyMS      int    `json:"latency_ms,omitempty"`
	ReportPath     string `json:"report_path,omitempty"`
	Verbose        bool   `json:"verbose,omitempty"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd  string `json:"-"`
	ReportPathAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:   10,
		ReportPath: "tally-report.json",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".tally-sim.json"

// globalConfigPath returns the global config file path. Uses
// $XDG_CONFIG_HOME/tally-sim/config.json if set, otherwise
// ~/.config/tally-sim/config.json. Empty if no home can be determined.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "tally-sim", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "tally-sim", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // CLI flag overrides, zero fields ignored
	Env             map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config, project config (.tally-sim.json),
// explicit config file, CLI overrides. All paths in the returned Config are
// resolved to absolute paths.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadOptionalConfig(globalConfigPath(input.Env))
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg = mergeConfig(cfg, input.Overrides)

	err = validateConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.ReportPath) {
		cfg.ReportPathAbs = cfg.ReportPath
	} else {
		cfg.ReportPathAbs = filepath.Join(workDir, cfg.ReportPath)
	}

	return cfg, nil
}

// loadOptionalConfig loads a config file that may not exist. Returns the
// config and the path if it was loaded.
func loadOptionalConfig(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, path, nil
}

// loadProjectConfig loads the project config (.tally-sim.json) or an
// explicitly named config file, which must exist.
func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	if configPath == "" {
		return loadOptionalConfig(filepath.Join(workDir, ConfigFileName))
	}

	cfgFile := configPath
	if !filepath.IsAbs(cfgFile) {
		cfgFile = filepath.Join(workDir, cfgFile)
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, cfgFile, err)
	}

	return cfg, cfgFile, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	// Zero means "not set"; negative values pass through so validation can
	// report them against the file that carried them.
	if overlay.PageSize != 0 {
		base.PageSize = overlay.PageSize
	}

	if overlay.SearchPageSize != 0 {
		base.SearchPageSize = overlay.SearchPageSize
	}

	if overlay.LatencyMS != 0 {
		base.LatencyMS = overlay.LatencyMS
	}

	if overlay.ReportPath != "" {
		base.ReportPath = overlay.ReportPath
	}

	if overlay.Verbose {
		base.Verbose = true
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.PageSize <= 0 {
		return fmt.Errorf("%w: page_size must be positive", ErrConfigInvalid)
	}

	if cfg.LatencyMS < 0 {
		return fmt.Errorf("%w: latency_ms cannot be negative", ErrConfigInvalid)
	}

	return nil
}
