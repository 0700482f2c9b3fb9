package relay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

// FeedConfig selects protocol messages for one named feed.
type FeedConfig struct {
	Name string `yaml:"name"`
	// Direction is "in", "out" or empty for both.
	Direction    string   `yaml:"direction,omitempty"`
	MessageTypes []string `yaml:"message_types,omitempty"`
	// Sessions restricts the feed to session id prefixes such as "qs_".
	Sessions []string `yaml:"sessions,omitempty"`
}

// RelayConfig is the top-level YAML configuration.
type RelayConfig struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// DefaultConfig relays quote pushes and study errors.
func DefaultConfig() *RelayConfig {
	return &RelayConfig{Feeds: []FeedConfig{
		{Name: "quotes", Direction: tvproto.DirIn, MessageTypes: []string{"qsd", "quote_completed"}},
		{Name: "studies", Direction: tvproto.DirIn, MessageTypes: []string{"study_error", "study_completed", "study_loading"}},
	}}
}

// LoadConfig reads and validates a relay YAML config file.
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks feed names and directions.
func (c *RelayConfig) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("relay config: duplicate feed %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Direction {
		case "", tvproto.DirIn, tvproto.DirOut:
		default:
			return fmt.Errorf("relay config: feed[%d] (%s) has invalid direction %q", i, f.Name, f.Direction)
		}
	}
	return nil
}
