package appcache

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy selects how the Transport arbitrates between the generation
// store and the network. Exactly one policy is active per deployment.
type Policy string

const (
	// PolicyNetworkFallback serves cache hits, fetches misses from the
	// network, and on a navigation failure falls back to the cached
	// root document only. With no cached root the failure propagates.
	PolicyNetworkFallback Policy = "network-fallback"

	// PolicyCacheFirst treats the store as authoritative once
	// populated. A navigation failure with no cached root document is
	// answered with the embedded offline page instead of an error.
	PolicyCacheFirst Policy = "cache-first"
)

// Config is the immutable record handed to the Manager, Transport and
// Worker at construction. The version identifiers change on each
// deployment; everything else is fixed for the process lifetime.
type Config struct {
	// StaticVersion names the generation holding the app shell assets.
	StaticVersion string `yaml:"staticVersion"`

	// DynamicVersion optionally names a second generation for runtime
	// cached responses. Empty means the single-generation variant.
	DynamicVersion string `yaml:"dynamicVersion"`

	// Origin is the serving origin, eg. http://localhost:8080.
	// Requests to any other origin are never intercepted.
	Origin string `yaml:"origin"`

	// Manifest is the ordered list of origin-relative URLs that must
	// all be cached before an install is complete.
	Manifest []string `yaml:"manifest"`

	Policy Policy `yaml:"policy"`

	// OfflinePage overrides the embedded fallback document served by
	// PolicyCacheFirst when the root is unreachable and uncached.
	OfflinePage string `yaml:"offlinePage"`
}

// DefaultConfig returns a configuration with sensible defaults. The
// caller still has to fill in StaticVersion and Origin.
func DefaultConfig() Config {
	return Config{
		Manifest: []string{"/", "/index.html", "/manifest.json"},
		Policy:   PolicyCacheFirst,
	}
}

// Validate normalizes the config in place and reports the first
// problem found.
func (c *Config) Validate() error {
	if c.StaticVersion == "" {
		return fmt.Errorf("staticVersion is required")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	if !strings.HasPrefix(c.Origin, "http://") && !strings.HasPrefix(c.Origin, "https://") {
		return fmt.Errorf("origin %q must include a scheme", c.Origin)
	}
	if len(c.Manifest) == 0 {
		c.Manifest = DefaultConfig().Manifest
	}
	for i, u := range c.Manifest {
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("manifest[%d]: %q is not origin-relative", i, u)
		}
	}
	switch c.Policy {
	case "":
		c.Policy = PolicyCacheFirst
	case PolicyNetworkFallback, PolicyCacheFirst:
	default:
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	return nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
