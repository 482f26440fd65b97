// Package mock provides a scriptable [engine.Backend] for tests: each call
// pops the next scripted outcome, so fault sequences like "fail twice with
// out_of_memory, then succeed" are a one-liner to express.
package mock

import (
	"context"
	"sync"

	"github.com/voxmill/voxmill/internal/engine"
	"github.com/voxmill/voxmill/pkg/types"
)

// Compile-time interface assertion.
var _ engine.Backend = (*Backend)(nil)

// Backend is the scriptable engine. Safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	script   []error
	output   []byte
	calls    int
	readyErr error
	delay    func(ctx context.Context) error
}

// New creates a Backend that returns output on every successful call.
func New(output []byte) *Backend {
	return &Backend{output: output}
}

// Fail queues errs as the outcomes of the next calls. Once the script is
// exhausted, calls succeed.
func (b *Backend) Fail(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, errs...)
}

// FailKinds queues n failures of the given kind.
func (b *Backend) FailKinds(kind types.ErrorKind, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = types.E(kind, "injected %s fault", kind)
	}
	b.Fail(errs...)
}

// SetReadyError makes Ready return err until cleared.
func (b *Backend) SetReadyError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readyErr = err
}

// Block makes each call invoke fn before resolving, e.g. to wait on a channel
// or honour ctx cancellation in a long-running call.
func (b *Backend) Block(fn func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = fn
}

// Calls reports how many Synthesize calls have been made.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Name implements [engine.Backend].
func (b *Backend) Name() string { return types.EngineXTTS }

// Synthesize implements [engine.Backend].
func (b *Backend) Synthesize(ctx context.Context, req engine.Request) ([]byte, error) {
	b.mu.Lock()
	b.calls++
	var next error
	if len(b.script) > 0 {
		next = b.script[0]
		b.script = b.script[1:]
	}
	delay := b.delay
	out := b.output
	b.mu.Unlock()

	if delay != nil {
		if err := delay(ctx); err != nil {
			return nil, err
		}
	}
	if next != nil {
		return nil, next
	}
	if req.Progress != nil {
		req.Progress(0.5)
	}
	return out, nil
}

// Ready implements [engine.Backend].
func (b *Backend) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyErr
}
