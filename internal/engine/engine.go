// Package engine defines the speech synthesis backend contract and the
// [Facade] that owns all access to it: warm-up, single-flight serialisation,
// per-call deadlines, circuit breaking, and device fallback.
package engine

import (
	"context"

	"github.com/voxmill/voxmill/pkg/types"
)

// Request is one synthesis call. ReferencePCM is canonical 24 kHz mono s16le
// audio that parameterises the cloned voice; it is required for every call
// since XTTS always conditions on a reference speaker.
type Request struct {
	Text         string
	Language     string
	ReferencePCM []byte
	Params       types.QualityParameters

	// Device names the compute device the call should run on ("cuda" or
	// "cpu"). Backends that cannot switch devices may ignore it.
	Device string

	// Progress, when non-nil, receives coarse completion fractions in [0, 1]
	// as the backend works through the text. Calls must be cheap and must not
	// block.
	Progress func(fraction float64)
}

// Backend is a raw synthesis engine. Implementations are NOT required to be
// safe for concurrent use; the [Facade] serialises all access.
type Backend interface {
	// Name identifies the engine, e.g. "xtts".
	Name() string

	// Synthesize produces canonical 24 kHz mono s16le PCM for the request.
	// Failures are classified via [types.ErrorKind]: out-of-memory and
	// transient backend conditions are retriable, everything else is not.
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// Ready reports whether the backend can serve requests. Used for warm-up
	// and readiness probes.
	Ready(ctx context.Context) error
}
