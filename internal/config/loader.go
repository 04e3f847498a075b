package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces memoryd environment variables.
const envPrefix = "MEMORYD_"

// Load loads configuration from an optional YAML file, then overrides with
// environment variables, then applies defaults and validates.
//
// Precedence (highest to lowest):
//  1. Environment variables (MEMORYD_SERVER_PORT, MEMORYD_VECTOR_DRIVER, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting the first underscore into a section:
//
//	MEMORYD_SERVER_PORT          -> server.port
//	MEMORYD_EMBEDDINGS_BASE_URL  -> embeddings.base_url
//	MEMORYD_VECTOR_QUERY_TIMEOUT -> vector.query_timeout
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// transformEnv maps MEMORYD_SECTION_SOME_FIELD to section.some_field.
// Only the first underscore becomes a separator; the rest stay literal so
// compound field names like query_timeout survive.
func transformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}
