package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the onnxpass configuration file
// (~/.config/onnxpass/config.yaml). Every field is optional; CLI flags that
// were set explicitly always win.
type Config struct {
	// AllowList overrides the default fp16 conversion allow list.
	AllowList []string `yaml:"allow_list"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "onnxpass", "config.yaml")
}

// loadConfig reads the config file if present. A missing or unreadable file
// is not an error, just an empty config.
func loadConfig() Config {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: fixed path under the user config dir.
	if err != nil {
		return cfg
	}
	_ = yaml.Unmarshal(data, &cfg)
	return cfg
}

// applyLogConfig applies config file logging defaults when the
// corresponding flags were not set on the command line.
func applyLogConfig(cmd *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
