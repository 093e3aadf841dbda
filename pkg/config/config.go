// Package config provides configuration loading and management for fast3rcolmap.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"fast3rcolmap/pkg/colmap"
)

// DefaultScaleFactor is the calibrated ratio between the network's unit-less
// reconstruction and metric scale.
const DefaultScaleFactor = 25.0

// Config represents the application configuration loaded from YAML
type Config struct {
	// Inference parameters
	Inference struct {
		// BundleDir is the directory holding the exported predictions.
		// Empty means the input directory itself.
		BundleDir string `yaml:"bundleDir"`
	} `yaml:"inference"`

	// Pipeline parameters
	Pipeline struct {
		// PointConfidenceThreshold drops this fraction of the least confident
		// points of every view
		PointConfidenceThreshold float64 `yaml:"pointConfidenceThreshold"`

		// Downsample enables voxel downsampling of the merged cloud
		Downsample bool `yaml:"downsample"`

		// VoxelSize is the voxel edge length in reconstruction units
		VoxelSize float64 `yaml:"voxelSize"`

		// ScaleFactor is the global calibration constant applied to points
		// and camera translations
		ScaleFactor float64 `yaml:"scaleFactor"`

		// ResolutionScaling is the ratio between the exported image size and
		// the network input size
		ResolutionScaling float64 `yaml:"resolutionScaling"`
	} `yaml:"pipeline"`

	// Export parameters
	Export struct {
		// ViewMinConfidence excludes views whose maximum confidence is lower
		ViewMinConfidence float64 `yaml:"viewMinConfidence"`

		// Formats lists the schemas written: "text", "binary"
		Formats []string `yaml:"formats"`

		// ErrorMode is "confidence" or "zero"
		ErrorMode string `yaml:"errorMode"`

		// SaveImages copies the view images into the output directory
		SaveImages bool `yaml:"saveImages"`
	} `yaml:"export"`

	// Logging parameters
	Logging struct {
		// Level is a zap level name
		Level string `yaml:"level"`

		// Development switches to the human readable console encoder
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.PointConfidenceThreshold = 0.1
	cfg.Pipeline.Downsample = true
	cfg.Pipeline.VoxelSize = 0.01
	cfg.Pipeline.ScaleFactor = DefaultScaleFactor
	cfg.Pipeline.ResolutionScaling = 1.0

	cfg.Export.ViewMinConfidence = 0.1
	cfg.Export.Formats = []string{string(colmap.FormatText)}
	cfg.Export.ErrorMode = string(colmap.ErrorFromConfidence)
	cfg.Export.SaveImages = true

	cfg.Logging.Level = "info"
	cfg.Logging.Development = true

	return cfg
}

// Validate checks value ranges and enum fields
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.PointConfidenceThreshold < 0 || p.PointConfidenceThreshold > 1 {
		return errors.Errorf("pointConfidenceThreshold %g outside [0,1]", p.PointConfidenceThreshold)
	}
	if p.Downsample && p.VoxelSize <= 0 {
		return errors.Errorf("voxelSize must be positive, got %g", p.VoxelSize)
	}
	if p.ScaleFactor <= 0 {
		return errors.Errorf("scaleFactor must be positive, got %g", p.ScaleFactor)
	}
	if p.ResolutionScaling <= 0 {
		return errors.Errorf("resolutionScaling must be positive, got %g", p.ResolutionScaling)
	}
	if _, err := c.OutputFormats(); err != nil {
		return err
	}
	if _, err := colmap.ParseErrorMode(c.Export.ErrorMode); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging level")
	}
	return nil
}

// OutputFormats parses Export.Formats
func (c *Config) OutputFormats() ([]colmap.Format, error) {
	if len(c.Export.Formats) == 0 {
		return nil, errors.New("no output format configured")
	}
	formats := make([]colmap.Format, 0, len(c.Export.Formats))
	for _, s := range c.Export.Formats {
		f, err := colmap.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// NewLogger builds the zap logger described by the logging section
func (c *Config) NewLogger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging level")
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger.Sugar(), nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config file")
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
