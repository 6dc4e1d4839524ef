package mvc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pion/logging"
)

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	Engine    Engine    // decode engine (required)
	Allocator Allocator // surface memory (nil = SystemAllocator)
	Device    *Device   // shared device context, retained for the decoder lifetime

	LoggerFactory logging.LoggerFactory // nil = pion default factory
	Clock         clock.Clock           // nil = wall clock

	Memory         MemoryKind `mapstructure:"memory"`          // how pictures are exposed
	CopyToShared   bool       `mapstructure:"copy_to_shared"`  // device memory: copy into shared surfaces
	SharedSurfaces int        `mapstructure:"surfaces"`        // surfaces held by the consumer at once
	AsyncDepth     int        `mapstructure:"async_depth"`     // in-flight decodes, also the pairing bound
	Grow           bool       `mapstructure:"grow"`            // grow the pool instead of stalling

	BusyTimeout time.Duration `mapstructure:"busy_timeout"` // busy time before the engine is reset
	BusyPause   time.Duration `mapstructure:"busy_pause"`   // pause between busy retries
	SyncTimeout time.Duration `mapstructure:"sync_timeout"` // slice of one sync poll
}

// DefaultDecoderConfig returns a configuration for engine with the usual
// timings.
func DefaultDecoderConfig(engine Engine) DecoderConfig {
	return DecoderConfig{
		Engine:      engine,
		Memory:      MemoryHostVisible,
		AsyncDepth:  10,
		BusyTimeout: 25 * time.Millisecond,
		BusyPause:   10 * time.Millisecond,
		SyncTimeout: time.Second,
	}
}

// ApplyOptions overrides cfg with codec options such as
// {"async_depth": "8", "busy_timeout": "40ms", "memory": "device-copy"}.
// Values are weakly typed; unknown keys are rejected.
func (cfg *DecoderConfig) ApplyOptions(opts map[string]any) error {
	if len(opts) == 0 {
		return nil
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(opts); err != nil {
		return fmt.Errorf("decoder options: %w", err)
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		return fmt.Errorf("decoder options: unknown keys %s", strings.Join(md.Unused, ", "))
	}
	return nil
}

// validate fills zero values with defaults and rejects unusable settings.
func (cfg *DecoderConfig) validate() error {
	if cfg.Engine == nil {
		return fmt.Errorf("%w: no engine configured", ErrEngineUnavailable)
	}
	def := DefaultDecoderConfig(cfg.Engine)
	if cfg.AsyncDepth <= 0 {
		cfg.AsyncDepth = def.AsyncDepth
	}
	if cfg.AsyncDepth < 2 {
		return fmt.Errorf("async depth %d: at least 2 required", cfg.AsyncDepth)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.BusyPause < 0 {
		cfg.BusyPause = 0
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.SharedSurfaces < 0 {
		return fmt.Errorf("shared surfaces %d: must not be negative", cfg.SharedSurfaces)
	}
	if cfg.CopyToShared && cfg.Memory == MemoryDeviceShared {
		cfg.Memory = MemoryDeviceCopy
	}
	if cfg.Allocator == nil {
		cfg.Allocator = NewSystemAllocator()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return nil
}

// UnmarshalText parses the names printed by String.
func (k *MemoryKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "host-visible", "host", "system":
		*k = MemoryHostVisible
	case "device-shared", "shared":
		*k = MemoryDeviceShared
	case "device-copy", "copy":
		*k = MemoryDeviceCopy
	default:
		return fmt.Errorf("unknown memory kind %q", text)
	}
	return nil
}
