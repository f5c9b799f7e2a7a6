package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tether/pkg/logging"
)

// Load reads the config file at path, or DefaultPath when path is empty,
// over the defaults and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config found at %s, using defaults", path)
			return config, nil
		}
		return Config{}, ConfigurationError{FilePath: path, ErrorType: "io", Message: err.Error()}
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return Config{}, ConfigurationError{
			FilePath:    path,
			ErrorType:   "parse",
			Message:     fmt.Sprintf("malformed YAML: %v", err),
			Suggestions: []string{"check indentation and quoting"},
		}
	}

	if err := config.Validate(); err != nil {
		var cec ConfigurationErrorCollection
		if errors.As(err, &cec) {
			for i := range cec.Errors {
				cec.Errors[i].FilePath = path
			}
			return Config{}, cec
		}
		return Config{}, err
	}

	logging.Debug("ConfigLoader", "Loaded configuration from %s", path)
	return config, nil
}

// Save writes config to path as YAML with owner-only permissions, since it
// may carry client secrets.
func Save(path string, config Config) error {
	data, err := yaml.Marshal(&config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
