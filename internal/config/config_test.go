package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/flexmodel/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flexctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSessionConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
world_size = 4
tensor_parallel_size = 2
data_parallel_size = 2
offload_mode = "gpu"
admin_addr = " 127.0.0.1:7070 "
cors_origins = ["http://localhost:3000", " "]

[[hooks]]
module_name = "layers.0.mlp"
expected_shape = [-1, -1, 64]
unpack_idx = 0
kind = "forward"
editor = "identity"
`)
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PipelineParallelSize != 1 || cfg.Transport != TransportLocal {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.OffloadMode != "GPU" || cfg.AdminAddr != "127.0.0.1:7070" {
		t.Fatalf("overrides not normalized: mode=%q admin=%q", cfg.OffloadMode, cfg.AdminAddr)
	}
	if diff := cmp.Diff([]string{"http://localhost:3000"}, cfg.CorsOrigins); diff != "" {
		t.Fatalf("cors diff:\n%s", diff)
	}
	want := []HookConfig{{ModuleName: "layers.0.mlp", ExpectedShape: []int{-1, -1, 64}, Kind: "forward", Editor: "identity"}}
	if diff := cmp.Diff(want, cfg.Hooks); diff != "" {
		t.Fatalf("hooks diff:\n%s", diff)
	}
}

func TestLoadSessionConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "world mismatch", body: "world_size = 3\ntensor_parallel_size = 2\n"},
		{name: "offload mode", body: `offload_mode = "tpu"`},
		{name: "transport", body: `transport = "carrier-pigeon"`},
		{name: "tcp peers", body: "transport = \"tcp\"\nworld_size = 2\ntensor_parallel_size = 2\npeers = [\"127.0.0.1:1\"]\n"},
		{name: "unknown key", body: `wrold_size = 1`},
		{name: "tls on local", body: "[tls]\nca_file = \"ca.crt\"\ncert_file = \"a.crt\"\nkey_file = \"a.key\"\n"},
		{name: "tls partial", body: "transport = \"tcp\"\npeers = [\"127.0.0.1:1\"]\n[tls]\ncert_file = \"a.crt\"\n"},
		{name: "hook kind", body: "[[hooks]]\nmodule_name = \"m\"\nkind = \"sideways\"\n"},
		{name: "hook shape", body: "[[hooks]]\nmodule_name = \"m\"\nkind = \"forward\"\nexpected_shape = [0]\n"},
		{name: "hook duplicate", body: "[[hooks]]\nmodule_name = \"m\"\nkind = \"forward\"\n[[hooks]]\nmodule_name = \"m\"\nkind = \"tensor\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSessionConfig(writeConfig(t, tc.body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadSessionConfigMissingFile(t *testing.T) {
	if _, err := LoadSessionConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTemplateLoadsBack(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "flexctl.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if diff := cmp.Diff(Example(), cfg); diff != "" {
		t.Fatalf("template round trip diff:\n%s", diff)
	}
}
