package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxmill/voxmill/internal/resilience"
	"github.com/voxmill/voxmill/pkg/audio"
	"github.com/voxmill/voxmill/pkg/types"
)

// FacadeConfig holds the knobs governing how the [Facade] drives its backend.
type FacadeConfig struct {
	// Device is the preferred compute device, "cuda" or "cpu".
	Device string

	// CPUFallback permits falling back to the CPU when warm-up on the
	// preferred device fails. Opt-in.
	CPUFallback bool

	// SynthesisTimeout bounds each synthesis call. Default: 300s.
	SynthesisTimeout time.Duration

	// Breaker configures the per-(engine, device) circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// State is a snapshot of the facade for the readiness probe.
type State struct {
	Engine  string `json:"engine"`
	Device  string `json:"device"`
	Warm    bool   `json:"warm"`
	Breaker string `json:"breaker"`
}

// Facade owns all access to the synthesis backend. The model is resident and
// single-flight: one mutex serialises every inference call, so concurrent
// worker slots queue here rather than oversubscribing the device.
type Facade struct {
	backend Backend
	cfg     FacadeConfig
	logger  *slog.Logger

	breakers *resilience.BreakerSet

	// modelMu serialises inference. Held only around backend calls.
	modelMu sync.Mutex

	// stateMu guards the mutable snapshot fields.
	stateMu sync.Mutex
	device  string
	warm    bool
}

// NewFacade wraps backend. Call [Facade.Warmup] before serving requests.
func NewFacade(backend Backend, cfg FacadeConfig, logger *slog.Logger) *Facade {
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 300 * time.Second
	}
	if cfg.Device == "" {
		cfg.Device = "cuda"
	}
	return &Facade{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With("component", "engine", "engine", backend.Name()),
		breakers: resilience.NewBreakerSet(cfg.Breaker),
		device:   cfg.Device,
	}
}

// Warmup eagerly readies the model on the configured device so the first
// request pays no load cost. When the preferred device fails and CPU fallback
// is enabled, the facade drops to the CPU and keeps going; without fallback
// the error is fatal to startup.
func (f *Facade) Warmup(ctx context.Context) error {
	start := time.Now()
	err := f.backend.Ready(ctx)
	if err == nil {
		f.setState(f.cfg.Device, true)
		f.logger.Info("model warm", "device", f.cfg.Device, "took", time.Since(start))
		return nil
	}

	if f.cfg.Device == "cuda" && f.cfg.CPUFallback {
		f.logger.Warn("warm-up failed on cuda, falling back to cpu", "error", err)
		if cpuErr := f.backend.Ready(ctx); cpuErr == nil {
			f.setState("cpu", true)
			f.logger.Info("model warm", "device", "cpu", "took", time.Since(start))
			return nil
		}
	}
	return types.Wrap(types.KindTransientBackend, err, "engine warm-up failed on %s", f.cfg.Device)
}

// Synthesize runs one inference call under the model mutex, the per-call
// deadline, and the breaker for the current (engine, device) pair. An open
// breaker rejects before the mutex is taken, so callers fail fast while a
// long call is in flight.
func (f *Facade) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	device := f.Device()
	req.Device = device

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.SynthesisTimeout)
	defer cancel()

	var pcm []byte
	err := f.breakers.For(f.backend.Name() + "/" + device).Execute(func() error {
		f.modelMu.Lock()
		defer f.modelMu.Unlock()

		var synthErr error
		pcm, synthErr = f.backend.Synthesize(callCtx, req)
		return synthErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, types.E(types.KindCircuitOpen, "engine %s/%s unavailable", f.backend.Name(), device)
		}
		if callCtx.Err() != nil && ctx.Err() == nil && types.KindOf(err) != types.KindTimeout {
			return nil, types.Wrap(types.KindTimeout, err, "synthesis deadline exceeded")
		}
		return nil, err
	}

	if req.Params.Denoise {
		pcm = audio.Denoise(pcm, types.SampleRate)
	}
	return pcm, nil
}

// Ready reports backend readiness without touching the model mutex, so health
// probes answer while a synthesis call is in flight.
func (f *Facade) Ready(ctx context.Context) error {
	return f.backend.Ready(ctx)
}

// Device returns the device the facade currently runs on.
func (f *Facade) Device() string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.device
}

// State returns the snapshot surfaced by GET /health.
func (f *Facade) State() State {
	f.stateMu.Lock()
	device, warm := f.device, f.warm
	f.stateMu.Unlock()

	return State{
		Engine:  f.backend.Name(),
		Device:  device,
		Warm:    warm,
		Breaker: f.breakers.For(f.backend.Name() + "/" + device).State().String(),
	}
}

func (f *Facade) setState(device string, warm bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.device = device
	f.warm = warm
}
