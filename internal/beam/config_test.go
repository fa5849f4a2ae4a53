package beam

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("width: 5\nlength: 8\ntemperature: 0.8\n"))
	require.NoError(t, err)

	want := DefaultConfig()
	want.Width = 5
	want.Length = 8
	want.Temperature = 0.8
	assert.Equal(t, want, cfg)
}

func TestParseConfig_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "widht: 3\n"},
		{"zero width", "width: 0\n"},
		{"negative context length", "context_length: -1\n"},
		{"temperature too high", "temperature: 3\n"},
		{"top_logprobs too high", "top_logprobs: 50\n"},
		{"wrong type", "length: long\n"},
		{"not a mapping", "- width\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "explore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 40\ntop_logprobs: 10\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.TopK)
	assert.Equal(t, 10, cfg.TopLogprobs)
	assert.Equal(t, DefaultConfig().Width, cfg.Width)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.TopLogprobs = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Length = 0
	assert.Error(t, cfg.Validate())
}
