package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"astrostack/internal/imaging"
	"astrostack/internal/stacking"
)

const (
	defaultConfigPath = "~/.config/astrostack/config.json"
	defaultParallel   = 2
	envConfigPath     = "ASTROSTACK_CONFIG"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing   Processing   `json:"processing" yaml:"processing"`
	Logging      Logging      `json:"logging" yaml:"logging"`
	Paths        Paths        `json:"paths" yaml:"paths"`
	Stacking     Stacking     `json:"stacking" yaml:"stacking"`
	Registration Registration `json:"registration" yaml:"registration"`
	Server       Server       `json:"server" yaml:"server"`
	Watch        Watch        `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int    `json:"queue_size" yaml:"queue_size"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" yaml:"default_input"`
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Stacking holds defaults for stack jobs.
type Stacking struct {
	Reference int    `json:"reference" yaml:"reference"`
	Debayer   bool   `json:"debayer" yaml:"debayer"`
	Pattern   string `json:"pattern" yaml:"pattern"`       // RGGB, BGGR, GBRG, GRBG
	OnFailure string `json:"on_failure" yaml:"on_failure"` // abort, skip
	Workers   int    `json:"workers" yaml:"workers"`
	Depth     int    `json:"depth" yaml:"depth"`   // 8 or 16
	Format    string `json:"format" yaml:"format"` // tiff, fits
}

// Registration tunes star detection and the shift policy.
type Registration struct {
	MinShift      int     `json:"min_shift" yaml:"min_shift"`
	ApplyRotation bool    `json:"apply_rotation" yaml:"apply_rotation"`
	Sigma         float64 `json:"sigma" yaml:"sigma"`
	MaxStars      int     `json:"max_stars" yaml:"max_stars"`
	MinMatches    int     `json:"min_matches" yaml:"min_matches"`
	Tolerance     float64 `json:"tolerance" yaml:"tolerance"`
	MinArea       int     `json:"min_area" yaml:"min_area"`
	MaxArea       int     `json:"max_area" yaml:"max_area"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Watch configures live stacking of a capture directory.
type Watch struct {
	Debounce  string `json:"debounce" yaml:"debounce"` // Go duration, e.g. "2s"
	MinFrames int    `json:"min_frames" yaml:"min_frames"`
	Recursive bool   `json:"recursive" yaml:"recursive"`
}

// DebounceDuration parses Watch.Debounce, falling back to two seconds.
func (w Watch) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Path resolves the configuration file location.
func Path() (string, error) {
	configPath := os.Getenv(envConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file yields defaults.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks values that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	if c.Stacking.Pattern != "" {
		if _, err := imaging.ParseBayerPattern(c.Stacking.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("stacking.pattern: %w", err))
		}
	} else if c.Stacking.Debayer {
		errs = append(errs, errors.New("stacking.pattern is required when stacking.debayer is set"))
	}
	if _, err := stacking.ParseFailurePolicy(c.Stacking.OnFailure); err != nil {
		errs = append(errs, fmt.Errorf("stacking.on_failure: %w", err))
	}
	if c.Stacking.Depth != 0 && !imaging.BitDepth(c.Stacking.Depth).Valid() {
		errs = append(errs, fmt.Errorf("stacking.depth must be 8 or 16, got %d", c.Stacking.Depth))
	}
	if c.Stacking.Workers < 0 {
		errs = append(errs, fmt.Errorf("stacking.workers must not be negative, got %d", c.Stacking.Workers))
	}
	switch strings.ToLower(c.Stacking.Format) {
	case "", "tiff", "tif", "fits":
	default:
		errs = append(errs, fmt.Errorf("stacking.format must be tiff or fits, got %q", c.Stacking.Format))
	}
	if c.Registration.MinShift < 0 {
		errs = append(errs, fmt.Errorf("registration.min_shift must not be negative, got %d", c.Registration.MinShift))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Watch.Debounce != "" {
		if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
			errs = append(errs, fmt.Errorf("watch.debounce: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    100,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "astrostack.db"),
		},
		Stacking: Stacking{
			Reference: 0,
			Pattern:   "RGGB",
			OnFailure: string(stacking.Abort),
			Workers:   1,
			Depth:     16,
			Format:    "tiff",
		},
		Registration: Registration{
			MinShift:   1,
			Sigma:      3,
			MaxStars:   40,
			MinMatches: 3,
			Tolerance:  2,
			MinArea:    2,
			MaxArea:    1000,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			Debounce:  "2s",
			MinFrames: 2,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
