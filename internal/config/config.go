package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fitsqa/internal/detection"
	"fitsqa/internal/qa"
)

const (
	defaultConfigPath = "~/.config/fitsqa/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the QA service.
type Config struct {
	Processing Processing         `json:"processing"`
	Logging    Logging            `json:"logging"`
	Paths      Paths              `json:"paths"`
	Storage    Storage            `json:"storage"`
	Server     Server             `json:"server"`
	QA         QA                 `json:"qa"`
	Detection  detection.Settings `json:"detection"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	QueueSize    int    `json:"queue_size"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Storage selects the database/sql driver: "sqlite" (pure Go) or "sqlite3" (cgo).
type Storage struct {
	Driver string `json:"driver"`
}

// Server configures the HTTP and gRPC listeners and the incoming-frame watcher.
type Server struct {
	HTTPAddr   string   `json:"http_addr"`
	GRPCAddr   string   `json:"grpc_addr"`
	WatchPaths []string `json:"watch_paths"`
}

// QA holds the header expectations and the focus limit.
type QA struct {
	ExpectedFields []string          `json:"expected_fields"`
	ExpectedTypes  map[string]string `json:"expected_types"`
	MaxFWHM        float64           `json:"max_fwhm"`
}

// HeaderOptions converts the header expectations for qa.NewHeaderQA.
func (c QA) HeaderOptions() ([]qa.HeaderOption, error) {
	types, err := qa.ParseFieldTypes(c.ExpectedTypes)
	if err != nil {
		return nil, err
	}
	var opts []qa.HeaderOption
	if len(c.ExpectedFields) > 0 {
		opts = append(opts, qa.WithExpectedFields(c.ExpectedFields...))
	}
	if len(types) > 0 {
		opts = append(opts, qa.WithExpectedTypes(types))
	}
	return opts, nil
}

// Load reads configuration from disk, falling back to defaults. The path is
// taken from FITSQA_CONFIG when set.
func Load() (*Config, error) {
	configPath := os.Getenv("FITSQA_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path; a missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate checks the values Load cannot reject by decoding alone.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be positive, got %d", c.Processing.ParallelJobs)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3", c.Storage.Driver)
	}
	if c.QA.MaxFWHM < 0 {
		return fmt.Errorf("qa.max_fwhm must not be negative")
	}
	if _, err := qa.ParseFieldTypes(c.QA.ExpectedTypes); err != nil {
		return fmt.Errorf("qa.expected_types: %w", err)
	}
	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "fitsqa.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		QA: QA{
			ExpectedFields: []string{"OBJECT", "EXPTIME", "DATE-OBS"},
			ExpectedTypes: map[string]string{
				"OBJECT":  "str",
				"EXPTIME": "float",
			},
			MaxFWHM: qa.DefaultMaxFWHM,
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
