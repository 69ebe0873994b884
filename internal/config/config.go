package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/guseggert/simbridge/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked for in the working directory and its parents.
const FileName = "simbridge.yaml"

type Config struct {
	ListenAddr     string          `yaml:"listen_addr"`
	LogLevel       string          `yaml:"log_level"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Simulator      SimulatorConfig `yaml:"simulator"`
	TLS            TLSConfig       `yaml:"tls"`
}

type SimulatorConfig struct {
	// Dir is the working directory for the compiler and the simulator. Relative paths below are relative to it.
	Dir       string   `yaml:"dir"`
	Runtime   string   `yaml:"runtime"`
	Compiler  string   `yaml:"compiler"`
	Sources   []string `yaml:"sources"`
	Output    string   `yaml:"output"`
	ToolDirs  []string `yaml:"tool_dirs"`
	SkipBuild bool     `yaml:"skip_build"`
}

type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:8766",
		LogLevel:   "info",
		Simulator: SimulatorConfig{
			Dir:      ".",
			Runtime:  "vvp",
			Compiler: "iverilog",
			Sources:  []string{"backend/tb_interactive.v", "smart_elevator.v"},
			Output:   "backend/sim.vvp",
		},
	}
}

// Load reads a YAML config file. Fields missing from the file keep their defaults.
// A relative simulator dir is taken as relative to the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if !filepath.IsAbs(cfg.Simulator.Dir) {
		cfg.Simulator.Dir = filepath.Join(filepath.Dir(path), cfg.Simulator.Dir)
	}

	return cfg, nil
}

// Find returns the path of the nearest config file at or above dir, or "" if there isn't one.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Simulator.Runtime == "" {
		return errors.New("simulator.runtime is required")
	}
	if c.Simulator.Output == "" {
		return errors.New("simulator.output is required")
	}
	if !c.Simulator.SkipBuild {
		if c.Simulator.Compiler == "" {
			return errors.New("simulator.compiler is required unless skip_build is set")
		}
		if len(c.Simulator.Sources) == 0 {
			return errors.New("simulator.sources is required unless skip_build is set")
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	if c.TLS.SelfSigned && c.TLS.CertFile != "" {
		return errors.New("tls.self_signed can't be combined with a cert file")
	}
	return nil
}
