package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	engineLighthouse = "lighthouse"
	engineChromedp   = "chromedp"

	launcherChromedp = "chromedp"
	launcherRod      = "rod"
)

var (
	errUnknownEngine   = errors.New("unknown audit engine")
	errUnknownLauncher = errors.New("unknown browser launcher")
)

type browserConfig struct {
	Launcher  string `yaml:"launcher"`
	ExecPath  string `yaml:"exec_path"`
	Headless  bool   `yaml:"headless"`
	NoSandbox bool   `yaml:"no_sandbox"`
}

type config struct {
	Output              string        `yaml:"output"`
	Engine              string        `yaml:"engine"`
	LighthousePath      string        `yaml:"lighthouse_path"`
	Concurrency         int           `yaml:"concurrency"`
	Timeout             time.Duration `yaml:"timeout"`
	IndependentProfiles bool          `yaml:"independent_profiles"`
	Manifest            string        `yaml:"manifest"`
	Progress            bool          `yaml:"progress"`
	Verbose             bool          `yaml:"verbose"`
	Browser             browserConfig `yaml:"browser"`

	input string
}

// defaultConfig returns the configuration used when neither a config file
// nor flags say otherwise
func defaultConfig() config {
	return config{
		Output:         "./results",
		Engine:         engineLighthouse,
		LighthousePath: "lighthouse",
		Concurrency:    1,
		Browser: browserConfig{
			Launcher: launcherChromedp,
			Headless: true,
		},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg
func loadConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// validate ensures the configuration is valid
func (c *config) validate() error {
	if c.input == "" {
		return fmt.Errorf("input CSV file is not specified")
	}

	if c.Output == "" {
		return fmt.Errorf("output directory cannot be empty")
	}

	switch c.Engine {
	case engineLighthouse:
		if c.LighthousePath == "" {
			return fmt.Errorf("lighthouse path cannot be empty")
		}
	case engineChromedp:
	default:
		return fmt.Errorf("%w: %q", errUnknownEngine, c.Engine)
	}

	switch c.Browser.Launcher {
	case launcherChromedp, launcherRod:
	default:
		return fmt.Errorf("%w: %q", errUnknownLauncher, c.Browser.Launcher)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	return nil
}
