package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flexmodel/internal/hook"
	"github.com/danmuck/flexmodel/internal/offload"
	"github.com/danmuck/flexmodel/internal/transfer"
)

var ErrInvalid = errors.New("config: invalid")

const (
	TransportLocal = "local"
	TransportTCP   = "tcp"
)

// SessionConfig is one rank's view of an instrumented run.
type SessionConfig struct {
	WorldSize            int          `toml:"world_size"`
	TensorParallelSize   int          `toml:"tensor_parallel_size"`
	PipelineParallelSize int          `toml:"pipeline_parallel_size"`
	DataParallelSize     int          `toml:"data_parallel_size"`
	OffloadMode          string       `toml:"offload_mode"`
	Transport            string       `toml:"transport"`
	Rank                 int          `toml:"rank"`
	Peers                []string     `toml:"peers,omitempty"`
	SessionToken         string       `toml:"session_token,omitempty"`
	TLS                  TLSConfig    `toml:"tls,omitempty"`
	AdminAddr            string       `toml:"admin_addr,omitempty"`
	CorsOrigins          []string     `toml:"cors_origins,omitempty"`
	Hooks                []HookConfig `toml:"hooks"`
}

// HookConfig instruments one submodule.
type HookConfig struct {
	ModuleName    string `toml:"module_name"`
	ExpectedShape []int  `toml:"expected_shape"`
	UnpackIdx     int    `toml:"unpack_idx"`
	Kind          string `toml:"kind"`
	Editor        string `toml:"editor,omitempty"`
}

// TLSConfig enables mutual TLS between tcp ranks. Every rank presents
// CertFile and verifies peers against CAFile.
type TLSConfig struct {
	CAFile   string `toml:"ca_file,omitempty"`
	CertFile string `toml:"cert_file,omitempty"`
	KeyFile  string `toml:"key_file,omitempty"`
}

// Enabled reports whether any TLS file is configured.
func (t TLSConfig) Enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != ""
}

// DefaultSessionConfig is a single-process, host-offload session with no
// hooks.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WorldSize:            1,
		TensorParallelSize:   1,
		PipelineParallelSize: 1,
		DataParallelSize:     1,
		OffloadMode:          string(offload.CPU),
		Transport:            TransportLocal,
		Hooks:                []HookConfig{},
	}
}

type fileConfig struct {
	WorldSize            int          `toml:"world_size"`
	TensorParallelSize   int          `toml:"tensor_parallel_size"`
	PipelineParallelSize int          `toml:"pipeline_parallel_size"`
	DataParallelSize     int          `toml:"data_parallel_size"`
	OffloadMode          string       `toml:"offload_mode"`
	Transport            string       `toml:"transport"`
	Rank                 int          `toml:"rank"`
	Peers                []string     `toml:"peers"`
	SessionToken         string       `toml:"session_token"`
	TLS                  TLSConfig    `toml:"tls"`
	AdminAddr            string       `toml:"admin_addr"`
	CorsOrigins          []string     `toml:"cors_origins"`
	Hooks                []HookConfig `toml:"hooks"`
}

// LoadSessionConfig overlays the keys defined in path onto
// DefaultSessionConfig and validates the result.
func LoadSessionConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("load session config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return SessionConfig{}, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalid, undecoded, path)
	}

	if meta.IsDefined("world_size") {
		cfg.WorldSize = raw.WorldSize
	}
	if meta.IsDefined("tensor_parallel_size") {
		cfg.TensorParallelSize = raw.TensorParallelSize
	}
	if meta.IsDefined("pipeline_parallel_size") {
		cfg.PipelineParallelSize = raw.PipelineParallelSize
	}
	if meta.IsDefined("data_parallel_size") {
		cfg.DataParallelSize = raw.DataParallelSize
	}
	if meta.IsDefined("offload_mode") {
		cfg.OffloadMode = strings.ToUpper(strings.TrimSpace(raw.OffloadMode))
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("rank") {
		cfg.Rank = raw.Rank
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizeList(raw.Peers)
	}
	if meta.IsDefined("session_token") {
		cfg.SessionToken = raw.SessionToken
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("hooks") {
		cfg.Hooks = raw.Hooks
	}

	if err := ValidateSessionConfig(cfg); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

func ValidateSessionConfig(cfg SessionConfig) error {
	tp, pp, dp := cfg.TensorParallelSize, cfg.PipelineParallelSize, cfg.DataParallelSize
	if tp < 1 || pp < 1 || dp < 1 {
		return fmt.Errorf("%w: parallel sizes must be >= 1 (tp=%d pp=%d dp=%d)", ErrInvalid, tp, pp, dp)
	}
	if cfg.WorldSize != tp*pp*dp {
		return fmt.Errorf("%w: world_size %d != tp*pp*dp (%d)", ErrInvalid, cfg.WorldSize, tp*pp*dp)
	}
	if _, err := offload.ParseMode(cfg.OffloadMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch cfg.Transport {
	case TransportLocal:
	case TransportTCP:
		if len(cfg.Peers) != cfg.WorldSize {
			return fmt.Errorf("%w: tcp transport needs %d peers, got %d", ErrInvalid, cfg.WorldSize, len(cfg.Peers))
		}
		if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
			return fmt.Errorf("%w: rank %d outside world of %d", ErrInvalid, cfg.Rank, cfg.WorldSize)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, cfg.Transport)
	}
	if t := cfg.TLS; t.Enabled() {
		if cfg.Transport != TransportTCP {
			return fmt.Errorf("%w: tls requires the tcp transport", ErrInvalid)
		}
		if t.CAFile == "" || t.CertFile == "" || t.KeyFile == "" {
			return fmt.Errorf("%w: tls needs ca_file, cert_file and key_file", ErrInvalid)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Hooks))
	for i, h := range cfg.Hooks {
		if err := ValidateHookConfig(h); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		if _, dup := seen[h.ModuleName]; dup {
			return fmt.Errorf("%w: hooks[%d]: duplicate module %q", ErrInvalid, i, h.ModuleName)
		}
		seen[h.ModuleName] = struct{}{}
	}
	return nil
}

func ValidateHookConfig(h HookConfig) error {
	if strings.TrimSpace(h.ModuleName) == "" {
		return fmt.Errorf("%w: module_name is required", ErrInvalid)
	}
	if h.UnpackIdx < 0 {
		return fmt.Errorf("%w: unpack_idx %d", ErrInvalid, h.UnpackIdx)
	}
	for i, d := range h.ExpectedShape {
		if d < 1 && d != transfer.Unknown {
			return fmt.Errorf("%w: expected_shape[%d] = %d (use %d for unknown)", ErrInvalid, i, d, transfer.Unknown)
		}
	}
	if _, err := hook.ParseKind(h.Kind); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
