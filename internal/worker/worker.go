// Package worker runs the execution side of the pipeline: a pool of slots
// dequeues job ids from the broker, loads the record from the store, drives
// the engine facade (or the clone pipeline), and writes the terminal state
// back. The broker only ever carries ids, so a redelivered id is resolved
// against the record's current status before any work happens.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voxmill/voxmill/internal/artifact"
	"github.com/voxmill/voxmill/internal/catalog"
	"github.com/voxmill/voxmill/internal/engine"
	"github.com/voxmill/voxmill/internal/observe"
	"github.com/voxmill/voxmill/internal/queue"
	"github.com/voxmill/voxmill/internal/resilience"
	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/internal/validate"
	"github.com/voxmill/voxmill/pkg/audio"
	"github.com/voxmill/voxmill/pkg/audio/transcode"
	"github.com/voxmill/voxmill/pkg/types"
)

// trimThresholdDB is the silence threshold applied to clone reference audio.
const trimThresholdDB = -40

// Config tunes the pool.
type Config struct {
	// MaxConcurrentJobs is the number of dequeue slots. Default: 1. Note that
	// slots above the first queue on the engine facade's model mutex; extra
	// slots only help to overlap clone pipelines with synthesis.
	MaxConcurrentJobs int

	// ShutdownGrace is how long in-flight jobs may keep running after the run
	// context is cancelled before they are abandoned and nacked back to the
	// broker. Default: 30s.
	ShutdownGrace time.Duration

	// Retry governs synthesis attempts against the engine.
	Retry resilience.RetryConfig
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
}

// Pool executes jobs. Create with [New], run with [Pool.Run].
type Pool struct {
	store      store.Store
	broker     queue.Broker
	facade     *engine.Facade
	quality    *catalog.QualityCatalog
	layout     artifact.Layout
	transcoder transcode.Transcoder
	metrics    *observe.Metrics
	logger     *slog.Logger
	cfg        Config

	mu     sync.Mutex
	active map[string]struct{}
}

// New assembles a pool. The metrics argument may be nil in tests.
func New(s store.Store, b queue.Broker, f *engine.Facade, q *catalog.QualityCatalog,
	layout artifact.Layout, tc transcode.Transcoder, m *observe.Metrics,
	cfg Config, logger *slog.Logger) *Pool {

	cfg.applyDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Pool{
		store:      s,
		broker:     b,
		facade:     f,
		quality:    q,
		layout:     layout,
		transcoder: tc,
		metrics:    m,
		logger:     logger.With("component", "worker"),
		cfg:        cfg,
		active:     make(map[string]struct{}),
	}
}

// Inflight reports whether a job id is currently held by a slot. Passed to
// [store.Store.ReconcileOrphans] so the sweep never declares a live job
// abandoned.
func (p *Pool) Inflight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

// Run starts the slots and blocks until ctx is cancelled and every slot has
// drained. Cancelling ctx stops dequeuing immediately; jobs already running
// get [Config.ShutdownGrace] to finish, after which their context is cut and
// the delivery is nacked back for another instance to pick up.
func (p *Pool) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn("shutdown grace expired, abandoning in-flight jobs")
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	g := new(errgroup.Group)
	for i := 0; i < p.cfg.MaxConcurrentJobs; i++ {
		slot := i
		g.Go(func() error { return p.runSlot(ctx, workCtx, slot) })
	}
	err := g.Wait()
	cancelWork()
	return err
}

// runSlot is one dequeue loop. Dequeue blocks on the run context so shutdown
// stops intake; the work itself runs on workCtx, which outlives the run
// context by the shutdown grace.
func (p *Pool) runSlot(ctx, workCtx context.Context, slot int) error {
	logger := p.logger.With("slot", slot)
	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		p.metrics.QueueDepth.Add(workCtx, -1)
		p.handle(workCtx, logger, d)
	}
}

// handle resolves one delivery end to end. Every path ends in exactly one Ack
// or Nack.
func (p *Pool) handle(ctx context.Context, logger *slog.Logger, d *Delivery) {
	p.mu.Lock()
	p.active[d.JobID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, d.JobID)
		p.mu.Unlock()
	}()

	p.metrics.ActiveJobs.Add(ctx, 1)
	defer p.metrics.ActiveJobs.Add(ctx, -1)

	job, err := p.store.GetJob(ctx, d.JobID)
	switch {
	case types.KindOf(err) == types.KindNotFound:
		// Deleted while queued. Nothing to do.
		p.ack(ctx, d)
		return
	case err != nil:
		logger.Error("load job failed", "job_id", d.JobID, "error", err)
		p.nack(ctx, d, true)
		return
	}

	ctx = observe.WithRequestID(ctx, job.RequestID)
	logger = logger.With("job_id", job.ID, "kind", string(job.Kind), "request_id", job.RequestID)

	if job.Status.Terminal() {
		// Redelivery of a finished job.
		p.ack(ctx, d)
		return
	}

	if cancelled, _ := p.store.CancelRequested(ctx, job.ID); cancelled {
		p.finishFailed(ctx, logger, job, types.E(types.KindCancelled, "cancelled before processing"))
		p.ack(ctx, d)
		return
	}

	if job.Status == types.StatusQueued {
		now := time.Now().UTC()
		zero := 0.0
		err := p.store.UpdateJobStatus(ctx, job.ID, types.StatusProcessing, store.JobPatch{
			StartedAt: &now,
			Progress:  &zero,
		})
		switch {
		case types.KindOf(err) == types.KindConflict:
			// Another consumer claimed it first.
			p.ack(ctx, d)
			return
		case err != nil:
			logger.Error("claim job failed", "error", err)
			p.nack(ctx, d, true)
			return
		}
	} else {
		// Already processing: a previous instance died mid-run and the
		// delivery was recovered. Resume from the top.
		logger.Warn("resuming recovered job")
	}

	start := time.Now()
	var runErr error
	switch job.Kind {
	case types.KindSynthesize:
		runErr = p.runSynthesize(ctx, logger, job)
	case types.KindClone:
		runErr = p.runClone(ctx, logger, job)
	default:
		runErr = types.E(types.KindInternal, "unknown job kind %q", job.Kind)
	}

	status := types.StatusCompleted
	var kind types.ErrorKind
	if runErr != nil {
		if ctx.Err() != nil {
			// The backend maps a cut call context to the same kind as a user
			// cancel, so the tombstone is the arbiter here, read on a detached
			// context.
			if !p.cancelRequested(ctx, job.ID) {
				// Shutdown grace expired mid-run. Leave the record in
				// processing and hand the delivery back; the next instance
				// resumes it or the orphan sweep declares it abandoned.
				logger.Warn("job interrupted by shutdown", "error", runErr)
				nctx, cancel := finalizeContext(ctx)
				p.nack(nctx, d, true)
				cancel()
				return
			}
			// A user cancel that landed during shutdown. Finish on a detached
			// context so the terminal write and the ack still go through.
			var cancel context.CancelFunc
			ctx, cancel = finalizeContext(ctx)
			defer cancel()
		}
		status = types.StatusFailed
		kind = types.KindOf(runErr)
		p.finishFailed(ctx, logger, job, runErr)
	} else {
		logger.Info("job completed", "took", time.Since(start))
	}

	if job.Kind == types.KindClone {
		p.layout.RemoveClone(job.ID)
	}
	p.metrics.RecordJobDone(ctx, string(job.Kind), string(status), string(kind), time.Since(start).Seconds())
	p.ack(ctx, d)
}

// finishFailed writes the terminal failed state. A conflict means the record
// already went terminal through another path, which is fine.
func (p *Pool) finishFailed(ctx context.Context, logger *slog.Logger, job *types.Job, cause error) {
	kind := types.KindOf(cause)
	msg := types.MessageOf(cause)
	now := time.Now().UTC()
	err := p.store.UpdateJobStatus(ctx, job.ID, types.StatusFailed, store.JobPatch{
		ErrorKind:    &kind,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		// Conflict means the record already went terminal; not found means it
		// was deleted out from under us. Both are fine here.
		if k := types.KindOf(err); k != types.KindConflict && k != types.KindNotFound {
			logger.Error("record job failure failed", "error", err)
		}
	}
	logger.Warn("job failed", "error_kind", string(kind), "error", cause)
}

// ─── synthesize jobs ──────────────────────────────────────────────────────────

// runSynthesize resolves the quality profile and voice reference, then drives
// the facade under the retry policy. The cancellation tombstone is checked
// before every attempt so a DELETE lands within one retry boundary.
func (p *Pool) runSynthesize(ctx context.Context, logger *slog.Logger, job *types.Job) error {
	qp, err := p.quality.Resolve(ctx, job.QualityProfileID)
	if err != nil {
		return err
	}

	refPCM, err := p.referencePCM(ctx, job)
	if err != nil {
		return err
	}

	language := job.TargetLanguage
	if language == "" {
		language = job.SourceLanguage
	}

	req := engine.Request{
		Text:         job.Text,
		Language:     language,
		ReferencePCM: refPCM,
		Params:       qp.Parameters,
		Progress: func(fraction float64) {
			if err := p.store.SetJobProgress(ctx, job.ID, fraction); err != nil {
				logger.Debug("progress update failed", "error", err)
			}
		},
	}

	var pcm []byte
	var lastErr error
	attempt := 0
	err = resilience.Retry(ctx, p.cfg.Retry, "synthesize "+job.ID, func() error {
		if cancelled, _ := p.store.CancelRequested(ctx, job.ID); cancelled {
			return types.E(types.KindCancelled, "cancelled during processing")
		}
		if attempt > 0 {
			p.metrics.SynthesisRetries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("error_kind", string(types.KindOf(lastErr))),
			))
		}
		attempt++

		callStart := time.Now()
		out, synthErr := p.facade.Synthesize(ctx, req)
		p.metrics.RecordSynthesis(ctx, types.EngineXTTS, p.facade.Device(), time.Since(callStart).Seconds())
		if synthErr != nil {
			lastErr = synthErr
			return synthErr
		}
		pcm = out
		return nil
	})
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return types.E(types.KindInternal, "engine returned empty audio")
	}

	path := p.layout.ArtifactPath(job.ID)
	if err := artifact.WriteAtomic(path, pcm); err != nil {
		return types.Wrap(types.KindInternal, err, "write artifact")
	}

	now := time.Now().UTC()
	done := 1.0
	err = p.store.UpdateJobStatus(ctx, job.ID, types.StatusCompleted, store.JobPatch{
		Progress:     &done,
		ArtifactPath: &path,
		CompletedAt:  &now,
	})
	if err != nil {
		os.Remove(path)
		return err
	}

	if job.Mode == types.ModeVoiceClone {
		if err := p.store.IncrementVoiceUsage(ctx, job.VoiceProfileID); err != nil {
			logger.Warn("usage count update failed", "voice_id", job.VoiceProfileID, "error", err)
		}
	}
	return nil
}

// referencePCM loads the reference speaker audio for the job's voice mode.
func (p *Pool) referencePCM(ctx context.Context, job *types.Job) ([]byte, error) {
	switch job.Mode {
	case types.ModePreset:
		pcm, err := os.ReadFile(p.layout.PresetPath(job.VoicePreset))
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "preset %q has no reference audio provisioned", job.VoicePreset)
		}
		return pcm, nil
	case types.ModeVoiceClone:
		vp, err := p.store.GetVoiceProfile(ctx, job.VoiceProfileID)
		if err != nil {
			return nil, err
		}
		pcm, err := os.ReadFile(vp.ReferenceAudioPath)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "voice %q reference audio unreadable", vp.ID)
		}
		return pcm, nil
	default:
		return nil, types.E(types.KindInternal, "unknown job mode %q", job.Mode)
	}
}

// ─── clone jobs ───────────────────────────────────────────────────────────────

// runClone turns a staged upload into a voice profile: decode, downmix,
// resample to the canonical rate, trim silence, bound the duration, persist.
func (p *Pool) runClone(ctx context.Context, logger *slog.Logger, job *types.Job) error {
	meta, raw, err := p.layout.LoadClone(job.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "staged upload for job %s unavailable", job.ID)
	}

	pcm, rate, channels, err := p.transcoder.Decode(ctx, raw)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "reference audio could not be decoded")
	}
	p.progress(ctx, logger, job.ID, 0.25)

	if cancelled, _ := p.store.CancelRequested(ctx, job.ID); cancelled {
		return types.E(types.KindCancelled, "cancelled during processing")
	}

	pcm = audio.DownmixToMono16(pcm, channels)
	pcm = audio.ResampleMono16(pcm, rate, types.SampleRate)
	pcm = audio.TrimSilence(pcm, types.SampleRate, trimThresholdDB)

	duration := audio.Duration(pcm, types.SampleRate)
	if duration < validate.MinReferenceDuration {
		return types.E(types.KindValidation, "reference audio is %.2fs after silence trimming, must be at least %.0fs",
			duration.Seconds(), validate.MinReferenceDuration.Seconds())
	}
	if duration > validate.MaxReferenceDuration {
		maxSamples := int(validate.MaxReferenceDuration.Seconds() * types.SampleRate)
		pcm = pcm[:maxSamples*2]
		duration = validate.MaxReferenceDuration
	}
	p.progress(ctx, logger, job.ID, 0.75)

	voiceID := uuid.NewString()
	refPath := p.layout.VoicePath(voiceID)
	if err := artifact.WriteAtomic(refPath, pcm); err != nil {
		return types.Wrap(types.KindInternal, err, "write voice reference audio")
	}

	vp := &types.VoiceProfile{
		ID:                 voiceID,
		Name:               meta.Name,
		Description:        meta.Description,
		Language:           meta.Language,
		ReferenceAudioPath: refPath,
		RefText:            meta.RefText,
		DurationSeconds:    duration.Seconds(),
		SampleRate:         types.SampleRate,
		CreatedAt:          time.Now().UTC(),
	}
	if err := p.store.CreateVoiceProfile(ctx, vp); err != nil {
		os.Remove(refPath)
		return err
	}

	now := time.Now().UTC()
	done := 1.0
	err = p.store.UpdateJobStatus(ctx, job.ID, types.StatusCompleted, store.JobPatch{
		Progress:    &done,
		VoiceID:     &voiceID,
		CompletedAt: &now,
	})
	if err != nil {
		if delErr := p.store.DeleteVoiceProfile(ctx, voiceID); delErr != nil {
			logger.Error("orphaned voice profile cleanup failed", "voice_id", voiceID, "error", delErr)
		}
		os.Remove(refPath)
		return err
	}
	logger.Info("voice profile created", "voice_id", voiceID, "duration", fmt.Sprintf("%.2fs", duration.Seconds()))
	return nil
}

// ─── plumbing ─────────────────────────────────────────────────────────────────

// finalizeTimeout bounds store and broker calls made after the work context
// has been cut.
const finalizeTimeout = 5 * time.Second

// finalizeContext detaches ctx from cancellation so terminal writes and
// broker calls still land during shutdown.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// cancelRequested reads the cancel tombstone on a detached context so the
// answer is still available once ctx has been cut.
func (p *Pool) cancelRequested(ctx context.Context, jobID string) bool {
	qctx, cancel := finalizeContext(ctx)
	defer cancel()
	cancelled, err := p.store.CancelRequested(qctx, jobID)
	return err == nil && cancelled
}

func (p *Pool) progress(ctx context.Context, logger *slog.Logger, jobID string, fraction float64) {
	if err := p.store.SetJobProgress(ctx, jobID, fraction); err != nil {
		logger.Debug("progress update failed", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, d *Delivery) {
	if err := p.broker.Ack(ctx, d); err != nil {
		p.logger.Error("ack failed", "job_id", d.JobID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, d *Delivery, requeue bool) {
	if err := p.broker.Nack(ctx, d, requeue); err != nil {
		p.logger.Error("nack failed", "job_id", d.JobID, "error", err)
	}
}

// Delivery aliases the broker's delivery type for callers of the pool.
type Delivery = queue.Delivery
