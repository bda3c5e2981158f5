// ============================================================================
// Beaver-Encode Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML settings shared by the encode client and the node.
//
// File layout (configs/default.yaml):
//   client:
//     node_addresses: ["127.0.0.1:50051"]
//     slots: [2]
//     encoder_params: ["-c:v", "libx264", "-y"]
//   node:
//     address: "0.0.0.0:50051"
//   processing:
//     segment_duration: 10
//     temp_dir: "./temp"
//   retry / metrics / logging: see Settings
//
// Precedence:
//   built-in defaults < YAML file < command line flags
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks settings that cannot drive a run.
var ErrInvalidConfig = errors.New("invalid configuration")

// Settings is the complete configuration structure.
type Settings struct {
	Client struct {
		NodeAddresses   []string      `yaml:"node_addresses"`
		Slots           []int         `yaml:"slots"`
		EncoderParams   []string      `yaml:"encoder_params"`
		DialTimeout     time.Duration `yaml:"dial_timeout"`
		AllowIncomplete bool          `yaml:"allow_incomplete"`
	} `yaml:"client"`

	Node struct {
		Address     string `yaml:"address"`
		MinFreeDisk uint64 `yaml:"min_free_disk"`
	} `yaml:"node"`

	Processing struct {
		SegmentDuration float64 `yaml:"segment_duration"`
		TempDir         string  `yaml:"temp_dir"`
		KeepTemp        bool    `yaml:"keep_temp"`
	} `yaml:"processing"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffMax  time.Duration `yaml:"backoff_max"`
	} `yaml:"retry"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

// Default returns the built-in settings.
func Default() *Settings {
	s := &Settings{}
	s.Client.EncoderParams = []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-y"}
	s.Client.DialTimeout = 10 * time.Second
	s.Node.Address = "0.0.0.0:50051"
	s.Processing.SegmentDuration = 10
	s.Processing.TempDir = "./temp"
	s.Retry.MaxAttempts = 5
	s.Retry.BackoffBase = 500 * time.Millisecond
	s.Retry.BackoffMax = 30 * time.Second
	s.Logging.Level = "info"
	return s
}

// Load reads path on top of the defaults. A missing file is an error only
// when required is true, so the default config path may be absent.
func Load(path string, required bool) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return s, nil
}

// ValidateClient checks the settings an encode run depends on.
func (s *Settings) ValidateClient() error {
	if s.Processing.SegmentDuration <= 0 {
		return fmt.Errorf("%w: segment_duration must be positive, got %v", ErrInvalidConfig, s.Processing.SegmentDuration)
	}
	if s.Processing.TempDir == "" {
		return fmt.Errorf("%w: temp_dir is empty", ErrInvalidConfig)
	}
	if s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalidConfig)
	}
	if s.Retry.BackoffBase < 0 || s.Retry.BackoffMax < 0 {
		return fmt.Errorf("%w: backoff durations must not be negative", ErrInvalidConfig)
	}
	for _, p := range s.Client.EncoderParams {
		if strings.ContainsAny(p, " \t\n") {
			return fmt.Errorf("%w: encoder parameter %q contains whitespace", ErrInvalidConfig, p)
		}
	}
	return nil
}

// ValidateNode checks the settings a node depends on.
func (s *Settings) ValidateNode() error {
	if s.Node.Address == "" {
		return fmt.Errorf("%w: node address is empty", ErrInvalidConfig)
	}
	if s.Processing.TempDir == "" {
		return fmt.Errorf("%w: temp_dir is empty", ErrInvalidConfig)
	}
	return nil
}

// SplitEncoderParams turns operator-supplied strings such as
// "-c:v libx265 -crf 28" into individual tokens and appends -y so encoders
// overwrite stale outputs instead of prompting.
func SplitEncoderParams(raw []string) []string {
	params := make([]string, 0, len(raw)*2+1)
	for _, s := range raw {
		params = append(params, strings.Fields(s)...)
	}
	return append(params, "-y")
}
