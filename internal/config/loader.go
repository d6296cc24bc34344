package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Load reads, substitutes, parses, defaults, and validates a
// configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return parse(data)
}

// LoadFromReader parses configuration from r.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with
// environment values. $$ escapes a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if value, exists := os.LookupEnv(submatches[1]); exists {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, "\x00DOLLAR\x00", "$")
}
