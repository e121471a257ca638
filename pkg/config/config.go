// Package config loads the interposer configuration: built-in defaults, then
// an optional YAML file named by KFLOW_CONFIG, then KFLOW_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	kflog "github.com/willibrandon/KernelFlow/pkg/log"
)

const (
	EnvConfig     = "KFLOW_CONFIG"
	EnvOutput     = "KFLOW_OUTPUT"
	EnvInclude    = "KFLOW_INCLUDE"
	EnvExclude    = "KFLOW_EXCLUDE"
	EnvBufferSize = "KFLOW_BUFFER_SIZE"
	EnvMutate     = "KFLOW_MUTATE"
	EnvEnabled    = "KFLOW_ENABLED"
)

// Reentrancy policies for nested tracked calls.
const (
	ReentrancyMarkNested  = "mark-nested"
	ReentrancyPassthrough = "passthrough"
)

// Library backends.
const (
	BackendDL  = "dl"
	BackendELF = "elf"
)

// Event formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Config is the full interposer configuration.
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
	Libraries   LibraryConfig     `yaml:"libraries"`
	Symbols     SymbolConfig      `yaml:"symbols"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Emitter     EmitterConfig     `yaml:"emitter"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
}

// LibraryConfig says where the real vendor libraries live.
type LibraryConfig struct {
	Backend string   `yaml:"backend"`
	Driver  []string `yaml:"driver"`
	Cupti   []string `yaml:"cupti"`
}

// SymbolConfig selects which symbols are tracked.
type SymbolConfig struct {
	// Mandatory symbols must resolve at load time or init fails.
	Mandatory []string `yaml:"mandatory"`
	// Optional symbols degrade to pass-through when missing.
	Optional []string `yaml:"optional"`
	// Include and Exclude are glob patterns; Exclude wins.
	Include           []string `yaml:"include"`
	Exclude           []string `yaml:"exclude"`
	NegativeCacheSize int      `yaml:"negative_cache_size"`
}

// InterceptorConfig controls call handling.
type InterceptorConfig struct {
	Reentrancy string `yaml:"reentrancy"`
	// Mutate enables the privileged argument-rewriting mode.
	Mutate bool `yaml:"mutate"`
}

// EmitterConfig controls event buffering and the sink.
type EmitterConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Output        string        `yaml:"output"`
	Format        string        `yaml:"format"`
	Compress      bool          `yaml:"compress"`
}

// CheckpointConfig is passed through to the vendor checkpoint struct.
type CheckpointConfig struct {
	ReserveDeviceMB uint64 `yaml:"reserve_device_mb"`
	ReserveHostMB   uint64 `yaml:"reserve_host_mb"`
	AllowOverwrite  bool   `yaml:"allow_overwrite"`
	UseNVML         bool   `yaml:"use_nvml"`
	Compress        bool   `yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Enabled:  true,
		LogLevel: "error",
		Libraries: LibraryConfig{
			Backend: BackendDL,
		},
		Symbols: SymbolConfig{
			Mandatory:         []string{"cuInit", "cuGetProcAddress"},
			Optional:          []string{"cuLaunchKernel", "cuLaunchKernelEx", "cuCtxGetDevice", "cuCtxSynchronize", "cuStreamSynchronize"},
			Include:           []string{"cu*"},
			Exclude:           []string{},
			NegativeCacheSize: 1024,
		},
		Interceptor: InterceptorConfig{
			Reentrancy: ReentrancyMarkNested,
		},
		Emitter: EmitterConfig{
			BufferSize:    8192,
			FlushInterval: 100 * time.Millisecond,
			Output:        "kflow.events",
			Format:        FormatJSON,
			Compress:      true,
		},
		Checkpoint: CheckpointConfig{
			AllowOverwrite: true,
			UseNVML:        true,
			Compress:       true,
		},
	}
}

// Load builds the configuration from defaults, the KFLOW_CONFIG file and
// the environment, in that order of precedence (later wins).
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFile is Load with an explicit file instead of KFLOW_CONFIG.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = kflog.LevelFromEnv(c.LogLevel)

	if enabled := os.Getenv(EnvEnabled); enabled != "" {
		c.Enabled = truthy(enabled)
	}
	if out := os.Getenv(EnvOutput); out != "" {
		c.Emitter.Output = out
	}
	if include := os.Getenv(EnvInclude); include != "" {
		c.Symbols.Include = splitList(include)
	}
	if exclude := os.Getenv(EnvExclude); exclude != "" {
		c.Symbols.Exclude = splitList(exclude)
	}
	if size := os.Getenv(EnvBufferSize); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBufferSize, err)
		}
		c.Emitter.BufferSize = n
	}
	if mutate := os.Getenv(EnvMutate); mutate != "" {
		c.Interceptor.Mutate = truthy(mutate)
	}
	return nil
}

// Validate rejects configurations the interposer cannot run with.
func (c *Config) Validate() error {
	var errs error
	if c.Emitter.BufferSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("emitter.buffer_size must be positive, got %d", c.Emitter.BufferSize))
	}
	if c.Emitter.FlushInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("emitter.flush_interval must be positive, got %s", c.Emitter.FlushInterval))
	}
	switch c.Emitter.Format {
	case FormatJSON, FormatMsgpack:
	default:
		errs = multierr.Append(errs, fmt.Errorf("emitter.format %q is not one of json, msgpack", c.Emitter.Format))
	}
	switch c.Interceptor.Reentrancy {
	case ReentrancyMarkNested, ReentrancyPassthrough:
	default:
		errs = multierr.Append(errs, fmt.Errorf("interceptor.reentrancy %q is not one of %s, %s", c.Interceptor.Reentrancy, ReentrancyMarkNested, ReentrancyPassthrough))
	}
	switch c.Libraries.Backend {
	case BackendDL, BackendELF:
	default:
		errs = multierr.Append(errs, fmt.Errorf("libraries.backend %q is not one of dl, elf", c.Libraries.Backend))
	}
	return errs
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
