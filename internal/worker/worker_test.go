package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/voxmill/voxmill/internal/artifact"
	"github.com/voxmill/voxmill/internal/catalog"
	"github.com/voxmill/voxmill/internal/engine"
	"github.com/voxmill/voxmill/internal/engine/mock"
	"github.com/voxmill/voxmill/internal/queue"
	"github.com/voxmill/voxmill/internal/resilience"
	"github.com/voxmill/voxmill/internal/store/memstore"
	"github.com/voxmill/voxmill/pkg/audio"
	"github.com/voxmill/voxmill/pkg/audio/transcode"
	"github.com/voxmill/voxmill/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv bundles everything a pool test touches.
type testEnv struct {
	store   *memstore.Store
	broker  *queue.RedisBroker
	backend *mock.Backend
	layout  artifact.Layout
	pool    *Pool

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvConfig(t, Config{
		MaxConcurrentJobs: 2,
		ShutdownGrace:     time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
	})
}

func newTestEnvConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	s := memstore.New()
	qc := catalog.NewQualityCatalog(s, logger)
	if err := qc.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}

	mr := miniredis.RunT(t)
	broker, err := queue.NewRedisBroker(ctx, "redis://"+mr.Addr(), 20*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	t.Cleanup(func() { broker.Close() })

	backend := mock.New(tone(2 * time.Second))
	facade := engine.NewFacade(backend, engine.FacadeConfig{
		Device:           "cpu",
		SynthesisTimeout: 5 * time.Second,
	}, logger)
	if err := facade.Warmup(ctx); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	base := t.TempDir()
	layout := artifact.Layout{
		ArtifactDir: filepath.Join(base, "artifacts"),
		VoiceDir:    filepath.Join(base, "voices"),
		PresetDir:   filepath.Join(base, "presets"),
	}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	pool := New(s, broker, facade, qc, layout, transcode.NewFFmpeg(), nil, cfg, logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not drain on shutdown")
		}
	})

	return &testEnv{
		store: s, broker: broker, backend: backend, layout: layout, pool: pool,
		cancelRun: cancel, runDone: done,
	}
}

// tone returns non-silent 24 kHz mono s16le PCM of the given length.
func tone(d time.Duration) []byte {
	samples := int(d.Seconds() * types.SampleRate)
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func (e *testEnv) submit(t *testing.T, job *types.Job) {
	t.Helper()
	ctx := context.Background()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = types.StatusQueued
	job.CreatedAt = time.Now().UTC()
	if err := e.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.broker.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (e *testEnv) waitTerminal(t *testing.T, jobID string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func (e *testEnv) provisionPreset(t *testing.T, preset types.VoicePreset) {
	t.Helper()
	if err := artifact.WriteAtomic(e.layout.PresetPath(preset), tone(4*time.Second)); err != nil {
		t.Fatalf("provision preset: %v", err)
	}
}

func TestSynthesizeJob_Completes(t *testing.T) {
	env := newTestEnv(t)
	env.provisionPreset(t, types.PresetFemaleGeneric)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "Hello, world.",
		SourceLanguage: "en",
		VoicePreset:    types.PresetFemaleGeneric,
	}
	env.submit(t, job)

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%s: %s), want completed", got.Status, got.ErrorKind, got.ErrorMessage)
	}
	if got.Progress != 1 {
		t.Errorf("progress = %g, want 1", got.Progress)
	}
	if got.ArtifactPath == "" {
		t.Fatal("artifact path not set")
	}
	data, err := os.ReadFile(got.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) == 0 {
		t.Error("artifact is empty")
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("timestamps not set")
	}
}

func TestSynthesizeJob_RetriesTransientFaults(t *testing.T) {
	env := newTestEnv(t)
	env.provisionPreset(t, types.PresetMaleGeneric)
	env.backend.FailKinds(types.KindTransientBackend, 2)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "retry me",
		SourceLanguage: "en",
		VoicePreset:    types.PresetMaleGeneric,
	}
	env.submit(t, job)

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed after retries", got.Status, got.ErrorMessage)
	}
	if calls := env.backend.Calls(); calls != 3 {
		t.Errorf("backend calls = %d, want 3", calls)
	}
}

func TestSynthesizeJob_NonRetriableFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.provisionPreset(t, types.PresetFemaleYoung)
	env.backend.Fail(types.E(types.KindInternal, "model exploded"))

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "boom",
		SourceLanguage: "en",
		VoicePreset:    types.PresetFemaleYoung,
	}
	env.submit(t, job)

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorKind != types.KindInternal {
		t.Errorf("error kind = %s, want internal", got.ErrorKind)
	}
	if calls := env.backend.Calls(); calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
}

func TestSynthesizeJob_MissingPresetFails(t *testing.T) {
	env := newTestEnv(t)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "no reference",
		SourceLanguage: "en",
		VoicePreset:    types.PresetMaleDeep,
	}
	env.submit(t, job)

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorKind != types.KindValidation {
		t.Errorf("error kind = %s, want validation_error", got.ErrorKind)
	}
}

func TestCancelBeforeProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "never runs",
		SourceLanguage: "en",
		VoicePreset:    types.PresetFemaleWarm,
		ID:             uuid.NewString(),
		Status:         types.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := env.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := env.store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := env.broker.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusFailed || got.ErrorKind != types.KindCancelled {
		t.Fatalf("got %s/%s, want failed/cancelled", got.Status, got.ErrorKind)
	}
	if calls := env.backend.Calls(); calls != 0 {
		t.Errorf("backend calls = %d, want 0", calls)
	}
}

func TestDeletedJobDeliveryIsDropped(t *testing.T) {
	env := newTestEnv(t)

	// An id with no record simulates a job deleted while still queued.
	if err := env.broker.Enqueue(context.Background(), uuid.NewString()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := env.broker.Depth(context.Background())
		if err != nil {
			t.Fatalf("Depth: %v", err)
		}
		if depth == 0 && env.backend.Calls() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delivery for deleted job was not drained")
}

func TestCloneJob_CreatesVoiceProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID := uuid.NewString()
	wav := audio.EncodeWAV(tone(4*time.Second), types.SampleRate, 1)
	meta := artifact.CloneMeta{Name: "Alice", Language: "en", Description: "test voice", RefText: "hello"}
	if err := env.layout.StageClone(jobID, meta, wav); err != nil {
		t.Fatalf("StageClone: %v", err)
	}

	env.submit(t, &types.Job{ID: jobID, Kind: types.KindClone})

	got := env.waitTerminal(t, jobID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%s: %s), want completed", got.Status, got.ErrorKind, got.ErrorMessage)
	}
	if got.VoiceID == "" {
		t.Fatal("voice id not set on completed clone job")
	}

	vp, err := env.store.GetVoiceProfile(ctx, got.VoiceID)
	if err != nil {
		t.Fatalf("GetVoiceProfile: %v", err)
	}
	if vp.Name != "Alice" || vp.Language != "en" || vp.RefText != "hello" {
		t.Errorf("profile fields = %+v", vp)
	}
	if vp.SampleRate != types.SampleRate {
		t.Errorf("sample rate = %d, want %d", vp.SampleRate, types.SampleRate)
	}
	if vp.DurationSeconds < 3.5 || vp.DurationSeconds > 4.5 {
		t.Errorf("duration = %.2fs, want ~4s", vp.DurationSeconds)
	}
	if _, err := os.Stat(vp.ReferenceAudioPath); err != nil {
		t.Errorf("reference audio missing: %v", err)
	}
	if _, _, err := env.layout.LoadClone(jobID); err == nil {
		t.Error("staged upload not cleaned up after completion")
	}
}

func TestCloneJob_TooShortFails(t *testing.T) {
	env := newTestEnv(t)

	jobID := uuid.NewString()
	wav := audio.EncodeWAV(tone(time.Second), types.SampleRate, 1)
	if err := env.layout.StageClone(jobID, artifact.CloneMeta{Name: "Short", Language: "en"}, wav); err != nil {
		t.Fatalf("StageClone: %v", err)
	}

	env.submit(t, &types.Job{ID: jobID, Kind: types.KindClone})

	got := env.waitTerminal(t, jobID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorKind != types.KindValidation {
		t.Errorf("error kind = %s, want validation_error", got.ErrorKind)
	}
	if got.VoiceID != "" {
		t.Error("voice id set on failed clone job")
	}
}

func TestVoiceCloneMode_IncrementsUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	voiceID := uuid.NewString()
	refPath := env.layout.VoicePath(voiceID)
	if err := artifact.WriteAtomic(refPath, tone(4*time.Second)); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	vp := &types.VoiceProfile{
		ID:                 voiceID,
		Name:               "Bob",
		Language:           "en",
		ReferenceAudioPath: refPath,
		DurationSeconds:    4,
		SampleRate:         types.SampleRate,
		CreatedAt:          time.Now().UTC(),
	}
	if err := env.store.CreateVoiceProfile(ctx, vp); err != nil {
		t.Fatalf("CreateVoiceProfile: %v", err)
	}

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModeVoiceClone,
		Text:           "cloned speech",
		SourceLanguage: "en",
		VoiceProfileID: voiceID,
	}
	env.submit(t, job)

	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.ErrorMessage)
	}
	after, err := env.store.GetVoiceProfile(ctx, voiceID)
	if err != nil {
		t.Fatalf("GetVoiceProfile: %v", err)
	}
	if after.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", after.UsageCount)
	}
}

func TestRedeliveredTerminalJobIsAcked(t *testing.T) {
	env := newTestEnv(t)
	env.provisionPreset(t, types.PresetFemaleSoft)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "once only",
		SourceLanguage: "en",
		VoicePreset:    types.PresetFemaleSoft,
	}
	env.submit(t, job)
	got := env.waitTerminal(t, job.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	callsBefore := env.backend.Calls()

	// Simulate an at-least-once duplicate.
	if err := env.broker.Enqueue(context.Background(), job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := env.broker.Depth(context.Background())
		if err != nil {
			t.Fatalf("Depth: %v", err)
		}
		if depth == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the slot a beat to resolve the delivery.
	time.Sleep(50 * time.Millisecond)

	if calls := env.backend.Calls(); calls != callsBefore {
		t.Errorf("backend calls = %d, want %d (duplicate must not re-run)", calls, callsBefore)
	}
}

// shutdownEnv builds a pool with a short grace and a backend that holds each
// call open until its context is cut, then surfaces the typed cancellation
// the real engine client produces.
func shutdownEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnvConfig(t, Config{
		MaxConcurrentJobs: 1,
		ShutdownGrace:     50 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	})
	env.backend.Block(func(ctx context.Context) error {
		<-ctx.Done()
		return types.Wrap(types.KindCancelled, ctx.Err(), "request cancelled")
	})
	return env
}

func (e *testEnv) waitBackendCalled(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for e.backend.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend was never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) stopPool(t *testing.T) {
	t.Helper()
	e.cancelRun()
	select {
	case <-e.runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestShutdownGraceRequeuesInterruptedJob(t *testing.T) {
	env := shutdownEnv(t)
	env.provisionPreset(t, types.PresetFemaleGeneric)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "interrupted mid-inference",
		SourceLanguage: "en",
		VoicePreset:    types.PresetFemaleGeneric,
	}
	env.submit(t, job)
	env.waitBackendCalled(t)
	env.stopPool(t)

	got, err := env.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != types.StatusProcessing {
		t.Fatalf("status = %s (%s: %s), want processing (left for redelivery)",
			got.Status, got.ErrorKind, got.ErrorMessage)
	}
	depth, err := env.broker.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("pending depth = %d, want 1 (delivery nacked back)", depth)
	}
}

func TestCancelDuringShutdownFinishesJob(t *testing.T) {
	env := shutdownEnv(t)
	env.provisionPreset(t, types.PresetMaleGeneric)

	job := &types.Job{
		Kind:           types.KindSynthesize,
		Mode:           types.ModePreset,
		Text:           "cancelled mid-inference",
		SourceLanguage: "en",
		VoicePreset:    types.PresetMaleGeneric,
	}
	env.submit(t, job)
	env.waitBackendCalled(t)

	// The tombstone lands before the work context is cut, so the same typed
	// cancellation now means the user's cancel, not the shutdown's.
	if err := env.store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	env.stopPool(t)

	got, err := env.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != types.StatusFailed || got.ErrorKind != types.KindCancelled {
		t.Fatalf("got %s/%s, want failed/cancelled", got.Status, got.ErrorKind)
	}
	depth, err := env.broker.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("pending depth = %d, want 0 (delivery acked)", depth)
	}
}

func TestInflightTracking(t *testing.T) {
	env := newTestEnv(t)
	if env.pool.Inflight("nope") {
		t.Error("Inflight reported an unknown id as active")
	}
}
