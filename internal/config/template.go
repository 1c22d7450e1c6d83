package config

import (
	"fmt"
	"os"

	"github.com/danmuck/flexmodel/internal/transfer"
	"github.com/pelletier/go-toml/v2"
)

// Example is a two-way tensor parallel session instrumenting two layers
// of the demo model.
func Example() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.WorldSize = 2
	cfg.TensorParallelSize = 2
	cfg.AdminAddr = "127.0.0.1:7070"
	cfg.CorsOrigins = []string{"http://localhost:3000"}
	cfg.Hooks = []HookConfig{
		{ModuleName: "layers.0.mlp", ExpectedShape: []int{transfer.Unknown, transfer.Unknown, 64}, Kind: "forward", Editor: "identity"},
		{ModuleName: "layers.1.mlp", ExpectedShape: []int{transfer.Unknown, transfer.Unknown, 64}, Kind: "forward", Editor: "zero"},
	}
	return cfg
}

// Template renders Example as TOML.
func Template() (string, error) {
	data, err := toml.Marshal(Example())
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
