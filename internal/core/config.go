package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of istl.
type Config struct {
	Cuboid struct {
		Length int `yaml:"length"`
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"cuboid"`
	Model struct {
		Architecture string  `yaml:"architecture"`
		Hidden       int     `yaml:"hidden"`
		LearningRate float64 `yaml:"learning_rate"`
		Decay        float64 `yaml:"decay"`
	} `yaml:"model"`
	Training struct {
		BatchSize     int `yaml:"batch_size"`
		AugmentStride int `yaml:"augment_stride"`
		EarlyStop     struct {
			Monitor  string  `yaml:"monitor"`
			Patience int     `yaml:"patience"`
			Delta    float64 `yaml:"delta"`
		} `yaml:"early_stop"`
	} `yaml:"training"`
	Federated struct {
		// Mode is none, sync or async.
		Mode    string `yaml:"mode"`
		Clients int    `yaml:"clients"`
		// AsyncRounds is the number of server iterations of the async trainer.
		AsyncRounds int `yaml:"async_rounds"`
		// Participation is the fraction of clients active per async iteration.
		Participation float64 `yaml:"participation"`
		EarlyStop     struct {
			Monitor  string  `yaml:"monitor"`
			Patience int     `yaml:"patience"`
			Delta    float64 `yaml:"delta"`
		} `yaml:"early_stop"`
	} `yaml:"federated"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
	Output struct {
		// Dir receives results, plots and models. Empty means next to the
		// experiment document.
		Dir   string `yaml:"dir"`
		Plots bool   `yaml:"plots"`
	} `yaml:"output"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Cuboid.Length = 8
	cfg.Cuboid.Width = 32
	cfg.Cuboid.Height = 32
	cfg.Model.Architecture = "autoencoder"
	cfg.Model.Hidden = 64
	cfg.Model.LearningRate = 0.01
	cfg.Model.Decay = 1e-5
	cfg.Training.BatchSize = 1
	cfg.Training.AugmentStride = 3
	cfg.Training.EarlyStop.Monitor = "loss"
	cfg.Training.EarlyStop.Patience = 5
	cfg.Training.EarlyStop.Delta = 1e-6
	cfg.Federated.Mode = "none"
	cfg.Federated.Clients = 2
	cfg.Federated.AsyncRounds = 4
	cfg.Federated.Participation = 1
	cfg.Federated.EarlyStop.Monitor = "loss"
	cfg.Federated.EarlyStop.Patience = 5
	cfg.Federated.EarlyStop.Delta = 1e-7
	cfg.Store.Path = filepath.Join(configBase(), "istl", "experiments.db")
	cfg.Output.Plots = true
	return cfg
}

// Validate checks the values the trainers cannot recover from.
func (c Config) Validate() error {
	if c.Cuboid.Length <= 0 || c.Cuboid.Width <= 0 || c.Cuboid.Height <= 0 {
		return fmt.Errorf("cuboid dimensions must be positive, got %dx%dx%d", c.Cuboid.Length, c.Cuboid.Width, c.Cuboid.Height)
	}
	if c.Model.Hidden <= 0 {
		return fmt.Errorf("model.hidden must be positive, got %d", c.Model.Hidden)
	}
	switch c.Federated.Mode {
	case "none", "sync", "async":
	default:
		return fmt.Errorf("unknown federated.mode %q (expected none, sync or async)", c.Federated.Mode)
	}
	if c.Federated.Mode != "none" && c.Federated.Clients <= 0 {
		return fmt.Errorf("federated.clients must be positive, got %d", c.Federated.Clients)
	}
	if c.Federated.Participation <= 0 || c.Federated.Participation > 1 {
		return fmt.Errorf("federated.participation must be in (0, 1], got %v", c.Federated.Participation)
	}
	return nil
}

func configBase() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return base
}

// LoadConfig reads YAML configuration from a path on top of DefaultConfig.
// If path is empty, it resolves $XDG_CONFIG_HOME/istl/config.yaml or
// ~/.config/istl/config.yaml, and a missing default file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configBase(), "istl", "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Overrides from istl.env, then from the process environment
	env, _ := LoadEnvFile("")
	for _, key := range []string{EnvStorePath, EnvOutputDir} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if v, ok := env[EnvStorePath]; ok && v != "" {
		cfg.Store.Path = v
	}
	if v, ok := env[EnvOutputDir]; ok && v != "" {
		cfg.Output.Dir = v
	}
	return cfg, cfg.Validate()
}
