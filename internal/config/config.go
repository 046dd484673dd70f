// Package config loads the process configuration: built-in defaults, then an
// optional YAML file, then a .env file, then the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/bloom.scanner/internal/scanner"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
)

// DAQEmulatorPort selects the in-process bridge emulator instead of a serial
// device.
const DAQEmulatorPort = "emulator"

// maxFileSize caps a configuration file.
const maxFileSize = 1 * 1024 * 1024

// Environment keys.
const (
	EnvMockCamera    = "BLOOM_USE_MOCK_CAMERA"
	EnvMockDAQ       = "BLOOM_USE_MOCK_DAQ"
	EnvMockHardware  = "BLOOM_USE_MOCK_HARDWARE"
	EnvDAQPort       = "BLOOM_DAQ_PORT"
	EnvDAQBaud       = "BLOOM_DAQ_BAUD"
	EnvCameraScheme  = "BLOOM_CAMERA_SCHEME"
	EnvCameraTimeout = "BLOOM_CAMERA_TIMEOUT"
	EnvTestImages    = "BLOOM_TEST_IMAGES"
	EnvSaveFrames    = "BLOOM_SAVE_FRAMES"
	EnvProfileDB     = "BLOOM_PROFILE_DB"
	EnvDebugListen   = "BLOOM_DEBUG_LISTEN"
	EnvLogLevel      = "BLOOM_LOG_LEVEL"
	EnvScanRoot      = "BLOOM_SCAN_ROOT"
)

// Config is the process configuration. The YAML keys match the file format.
type Config struct {
	// MockCamera and MockDAQ select simulated hardware for the camera and
	// daq commands; MockHardware does the same for scanner sessions.
	MockCamera   bool `yaml:"mock_camera"`
	MockDAQ      bool `yaml:"mock_daq"`
	MockHardware bool `yaml:"mock_hardware"`

	// DAQPort is the serial device of the DAQ bridge, or DAQEmulatorPort.
	DAQPort string                `yaml:"daq_port"`
	Serial  serialmux.PortOptions `yaml:"serial"`

	CameraScheme  string `yaml:"camera_scheme"`
	CameraTimeout string `yaml:"camera_timeout"` // duration string like "5s"

	// TestImages is a directory of frames replayed by the simulated camera.
	TestImages string `yaml:"test_images"`
	// SaveFrames stores scan frames as NNN.png under the scan output path.
	SaveFrames bool `yaml:"save_frames"`
	// ScanRoot, when set, confines scan output paths to this directory.
	// Relative output paths are resolved under it.
	ScanRoot string `yaml:"scan_root"`

	ProfileDB   string `yaml:"profile_db"`
	DebugListen string `yaml:"debug_listen"`
	LogLevel    string `yaml:"log_level"`

	// Scanner holds the settings used when a request carries none.
	Scanner scanner.Settings `yaml:"scanner"`
}

// Default returns the built-in configuration: everything simulated.
func Default() Config {
	return Config{
		MockCamera:    true,
		MockDAQ:       true,
		MockHardware:  true,
		Serial:        serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate},
		CameraScheme:  "http",
		CameraTimeout: "5s",
		SaveFrames:    true,
		LogLevel:      "info",
		Scanner:       scanner.DefaultSettings(),
	}
}

// Load builds the configuration. path names an optional YAML file and
// envFile an optional dotenv file; a missing envFile is ignored. Values
// already present in the environment win over the dotenv file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto c. Keys absent from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment values returned by lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for key, dst := range map[string]*bool{
		EnvMockCamera:   &c.MockCamera,
		EnvMockDAQ:      &c.MockDAQ,
		EnvMockHardware: &c.MockHardware,
		EnvSaveFrames:   &c.SaveFrames,
	} {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: invalid boolean %q", key, v)
			}
			*dst = b
		}
	}

	for key, dst := range map[string]*string{
		EnvDAQPort:       &c.DAQPort,
		EnvCameraScheme:  &c.CameraScheme,
		EnvCameraTimeout: &c.CameraTimeout,
		EnvTestImages:    &c.TestImages,
		EnvProfileDB:     &c.ProfileDB,
		EnvDebugListen:   &c.DebugListen,
		EnvLogLevel:      &c.LogLevel,
		EnvScanRoot:      &c.ScanRoot,
	} {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(EnvDAQBaud); ok {
		baud, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvDAQBaud, v)
		}
		c.Serial.BaudRate = baud
	}
	return nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if !c.MockDAQ || !c.MockHardware {
		if c.DAQPort != "" && c.DAQPort != DAQEmulatorPort {
			if _, err := c.Serial.Normalize(); err != nil {
				return fmt.Errorf("serial: %w", err)
			}
		}
	}
	switch c.CameraScheme {
	case "http", "https":
	default:
		return fmt.Errorf("camera_scheme must be http or https, got %q", c.CameraScheme)
	}
	if c.CameraTimeout != "" {
		if _, err := time.ParseDuration(c.CameraTimeout); err != nil {
			return fmt.Errorf("invalid camera_timeout '%s': %w", c.CameraTimeout, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "off", "none":
	default:
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	if _, err := c.Scanner.Normalize(); err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	return nil
}

// GetCameraTimeout parses and returns CameraTimeout as a time.Duration.
func (c *Config) GetCameraTimeout() time.Duration {
	if c.CameraTimeout == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(c.CameraTimeout)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// UsesEmulator reports whether the DAQ bridge runs in process.
func (c *Config) UsesEmulator() bool {
	return c.DAQPort == DAQEmulatorPort
}
