package beam

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Config holds the exploration parameters shared by every provider call an
// Engine makes.
type Config struct {
	// ContextLength is passed to the provider; 0 means provider default.
	ContextLength int `yaml:"context_length"`

	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`

	// TopLogprobs is the number of alternatives requested per position.
	TopLogprobs int `yaml:"top_logprobs"`

	// Width and Length are the defaults for ExpandOneLevel callers.
	Width  int `yaml:"width"`
	Length int `yaml:"length"`
}

// DefaultConfig returns the exploration defaults.
func DefaultConfig() Config {
	return Config{
		ContextLength: 0,
		Temperature:   0,
		TopK:          0,
		TopLogprobs:   5,
		Width:         3,
		Length:        16,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.ContextLength < 0:
		return fmt.Errorf("context_length must not be negative")
	case c.Temperature < 0:
		return fmt.Errorf("temperature must not be negative")
	case c.TopK < 0:
		return fmt.Errorf("top_k must not be negative")
	case c.TopLogprobs < 1:
		return fmt.Errorf("top_logprobs must be at least 1")
	case c.Width < 1:
		return fmt.Errorf("width must be at least 1")
	case c.Length < 1:
		return fmt.Errorf("length must be at least 1")
	}
	return nil
}

//go:embed config.schema.json
var configSchemaJSON []byte

const configSchemaURL = "schema://beamtree-config.json"

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchemaJSON))
		if err != nil {
			configSchemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(configSchemaURL, doc); err != nil {
			configSchemaErr = fmt.Errorf("add resource: %w", err)
			return
		}
		configSchema, configSchemaErr = c.Compile(configSchemaURL)
	})
	return configSchema, configSchemaErr
}

// LoadConfig reads a YAML exploration config. Keys not present keep their
// defaults. The document is checked against the embedded JSON Schema
// before decoding.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig on an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		return cfg, nil
	}

	// The validator wants JSON values; go through JSON so numbers and
	// maps have the types it expects.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("convert config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return Config{}, fmt.Errorf("convert config: %w", err)
	}

	schema, err := compiledConfigSchema()
	if err != nil {
		return Config{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}
