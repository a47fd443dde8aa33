// Package config holds the settings of the bilift command. Values come
// from a JSON file, then the environment, then command line flags, each
// overriding the last.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/invopop/jsonschema"
	jsoniter "github.com/json-iterator/go"

	"bilift/internal/arch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBatch is the number of trace frames read per refill.
const DefaultBatch = 256

// Config is the bilift configuration.
type Config struct {
	Arch     string `json:"arch,omitempty" jsonschema:"title=Architecture,description=Override the architecture of binaries and traces,enum=x86,enum=x86_64,enum=arm64"`
	Base     uint64 `json:"base,omitempty" jsonschema:"title=Base Address,description=Rebase images so the lowest loaded section starts here"`
	Batch    int    `json:"batch,omitempty" jsonschema:"title=Batch Size,description=Trace frames decoded per refill,minimum=1,default=256"`
	LogLevel string `json:"logLevel,omitempty" jsonschema:"title=Log Level,description=Minimum level logged,enum=debug,enum=info,enum=warn,enum=error"`
	NoColor  bool   `json:"noColor,omitempty" jsonschema:"title=No Color,description=Disable colored listings"`
}

// Default returns the built in configuration.
func Default() Config {
	return Config{Batch: DefaultBatch, LogLevel: "warn"}
}

// Load reads the JSON file at path over the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, c.Validate()
}

// FromEnv applies the BILIFT_* variables that are set.
func (c *Config) FromEnv() error {
	if v := os.Getenv("BILIFT_ARCH"); v != "" {
		c.Arch = v
	}
	if v := os.Getenv("BILIFT_BASE"); v != "" {
		base, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("BILIFT_BASE: %w", err)
		}
		c.Base = base
	}
	if v := os.Getenv("BILIFT_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BILIFT_BATCH: %w", err)
		}
		c.Batch = n
	}
	if v := os.Getenv("BILIFT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if os.Getenv("BILIFT_NO_COLOR") != "" {
		c.NoColor = true
	}
	return c.Validate()
}

// Validate checks the architecture tag and the batch size.
func (c *Config) Validate() error {
	if _, err := c.ArchOverride(); err != nil {
		return err
	}
	if c.Batch < 1 {
		return fmt.Errorf("batch size %d: must be at least 1", c.Batch)
	}
	return nil
}

// ArchOverride returns the configured architecture, or arch.Unknown if none
// is set.
func (c *Config) ArchOverride() (arch.Arch, error) {
	if c.Arch == "" {
		return arch.Unknown, nil
	}
	return arch.Parse(c.Arch)
}

// Schema returns the JSON schema of Config, indented.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}
