package disco

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadConfig decodes a Config from YAML, rejecting unknown fields so a
// typo in a config file fails loudly instead of silently no-opping.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
