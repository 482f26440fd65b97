package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when the corresponding field is zero.
const (
	defaultListenAddr        = ":8080"
	defaultUploadReadTimeout = 120 * time.Second
	defaultShutdownGrace     = 30 * time.Second
	defaultPollInterval      = 2 * time.Second
	defaultSynthesisTimeout  = 300 * time.Second
	defaultMaxConcurrent     = 2
	defaultArtifactDir       = "data/artifacts"
	defaultVoiceDir          = "data/voice_profiles"
	defaultPresetDir         = "data/presets"
)

// Load reads the YAML configuration file at path, applies environment variable
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies [ApplyEnv] and
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from VOXMILL_* environment variables. Unset
// variables leave the corresponding field untouched; malformed numeric or
// duration values are ignored in favour of the file value.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("VOXMILL_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("VOXMILL_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("VOXMILL_REDIS_URL"); v != "" {
		cfg.Queue.RedisURL = v
	}
	if v := os.Getenv("VOXMILL_ENGINE_URL"); v != "" {
		cfg.Engine.ServerURL = v
	}
	if v := os.Getenv("VOXMILL_DEVICE"); v != "" {
		cfg.Engine.Device = Device(v)
	}
	if v := os.Getenv("VOXMILL_CPU_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.CPUFallback = b
		}
	}
	if v := os.Getenv("VOXMILL_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("VOXMILL_SYNTHESIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.SynthesisTimeout = d
		}
	}
	if v := os.Getenv("VOXMILL_UPLOAD_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.UploadReadTimeout = d
		}
	}
	if v := os.Getenv("VOXMILL_ARTIFACT_DIR"); v != "" {
		cfg.Paths.ArtifactDir = v
	}
	if v := os.Getenv("VOXMILL_VOICE_DIR"); v != "" {
		cfg.Paths.VoiceDir = v
	}
	if v := os.Getenv("VOXMILL_PRESET_DIR"); v != "" {
		cfg.Paths.PresetDir = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.UploadReadTimeout <= 0 {
		cfg.Server.UploadReadTimeout = defaultUploadReadTimeout
	}
	if cfg.Server.ShutdownGrace <= 0 {
		cfg.Server.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = defaultPollInterval
	}
	if cfg.Engine.Device == "" {
		cfg.Engine.Device = DeviceCUDA
	}
	if cfg.Engine.SynthesisTimeout <= 0 {
		cfg.Engine.SynthesisTimeout = defaultSynthesisTimeout
	}
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		cfg.Worker.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if cfg.Paths.ArtifactDir == "" {
		cfg.Paths.ArtifactDir = defaultArtifactDir
	}
	if cfg.Paths.VoiceDir == "" {
		cfg.Paths.VoiceDir = defaultVoiceDir
	}
	if cfg.Paths.PresetDir == "" {
		cfg.Paths.PresetDir = defaultPresetDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}
	if cfg.Queue.RedisURL == "" {
		errs = append(errs, errors.New("queue.redis_url is required"))
	}
	if cfg.Engine.ServerURL == "" {
		errs = append(errs, errors.New("engine.server_url is required"))
	}
	if !cfg.Engine.Device.IsValid() {
		errs = append(errs, fmt.Errorf("engine.device %q is invalid; valid values: cuda, cpu", cfg.Engine.Device))
	}
	if cfg.Worker.MaxConcurrentJobs < 1 || cfg.Worker.MaxConcurrentJobs > 64 {
		errs = append(errs, fmt.Errorf("worker.max_concurrent_jobs %d is out of range [1, 64]", cfg.Worker.MaxConcurrentJobs))
	}

	return errors.Join(errs...)
}
