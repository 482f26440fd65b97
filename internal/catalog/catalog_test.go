package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/internal/store/memstore"
	"github.com/voxmill/voxmill/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQualityCatalog(t *testing.T) (*QualityCatalog, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	c := NewQualityCatalog(s, discardLogger())
	if err := c.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return c, s
}

func validParams() types.QualityParameters {
	return types.QualityParameters{
		Temperature:       0.5,
		TopP:              0.8,
		TopK:              40,
		RepetitionPenalty: 2.0,
		LengthPenalty:     1.0,
		Speed:             1.0,
	}
}

func TestEnsureBuiltins(t *testing.T) {
	c, _ := newQualityCatalog(t)
	ctx := context.Background()

	all, err := c.List(ctx, types.EngineXTTS)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("builtin count = %d, want 3", len(all))
	}

	def, err := c.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if def.ID != ProfileBalanced {
		t.Errorf("default = %s, want %s", def.ID, ProfileBalanced)
	}

	// Idempotent; a second pass changes nothing.
	if err := c.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("second EnsureBuiltins: %v", err)
	}
	all, _ = c.List(ctx, types.EngineXTTS)
	if len(all) != 3 {
		t.Errorf("count after re-ensure = %d, want 3", len(all))
	}
}

func TestEnsureBuiltins_PreservesMovedDefault(t *testing.T) {
	c, s := newQualityCatalog(t)
	ctx := context.Background()

	if _, err := c.SetDefault(ctx, ProfileHighQuality); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	// Simulate a restart where one builtin record was lost.
	if err := s.DeleteQualityProfile(ctx, ProfileFast); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}

	def, err := c.Resolve(ctx, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.ID != ProfileHighQuality {
		t.Errorf("default after re-ensure = %s, want %s", def.ID, ProfileHighQuality)
	}
}

func TestCreateCustomProfile(t *testing.T) {
	c, _ := newQualityCatalog(t)
	ctx := context.Background()

	qp, err := c.Create(ctx, &types.QualityProfile{Name: "Mine", Parameters: validParams()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if qp.ID == "" || qp.IsBuiltin || qp.IsDefault {
		t.Errorf("created profile = %+v, want generated id, not builtin, not default", qp)
	}

	// Reserved prefix rejected.
	_, err = c.Create(ctx, &types.QualityProfile{ID: "xtts_custom", Name: "X", Parameters: validParams()})
	if types.KindOf(err) != types.KindConflict {
		t.Errorf("reserved id: kind = %v, want conflict", types.KindOf(err))
	}

	// Duplicate id rejected.
	_, err = c.Create(ctx, &types.QualityProfile{ID: qp.ID, Name: "X", Parameters: validParams()})
	if types.KindOf(err) != types.KindConflict {
		t.Errorf("duplicate id: kind = %v, want conflict", types.KindOf(err))
	}

	// Out-of-range knobs rejected.
	bad := validParams()
	bad.TopK = 0
	_, err = c.Create(ctx, &types.QualityProfile{Name: "Bad", Parameters: bad})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("bad params: kind = %v, want validation_error", types.KindOf(err))
	}
}

func TestBuiltinImmutability(t *testing.T) {
	c, _ := newQualityCatalog(t)
	ctx := context.Background()

	name := "renamed"
	_, err := c.Update(ctx, ProfileBalanced, &name, nil, nil)
	if types.KindOf(err) != types.KindForbidden {
		t.Errorf("update builtin: kind = %v, want forbidden", types.KindOf(err))
	}

	err = c.Delete(ctx, ProfileBalanced)
	if types.KindOf(err) != types.KindForbidden {
		t.Errorf("delete builtin: kind = %v, want forbidden", types.KindOf(err))
	}

	// Duplicating a builtin yields an editable custom copy.
	dup, err := c.Duplicate(ctx, ProfileBalanced)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if dup.IsBuiltin || dup.IsDefault || dup.ID == ProfileBalanced {
		t.Errorf("duplicate = %+v, want fresh custom profile", dup)
	}
	if _, err := c.Update(ctx, dup.ID, &name, nil, nil); err != nil {
		t.Errorf("update duplicate: %v", err)
	}
	if err := c.Delete(ctx, dup.ID); err != nil {
		t.Errorf("delete duplicate: %v", err)
	}
}

func TestDeleteDefaultRejected(t *testing.T) {
	c, _ := newQualityCatalog(t)
	ctx := context.Background()

	qp, err := c.Create(ctx, &types.QualityProfile{Name: "Mine", Parameters: validParams()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.SetDefault(ctx, qp.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	err = c.Delete(ctx, qp.ID)
	if types.KindOf(err) != types.KindConflict {
		t.Errorf("delete default: kind = %v, want conflict", types.KindOf(err))
	}

	// Move the default away, then deletion succeeds.
	if _, err := c.SetDefault(ctx, ProfileBalanced); err != nil {
		t.Fatalf("SetDefault back: %v", err)
	}
	if err := c.Delete(ctx, qp.ID); err != nil {
		t.Errorf("delete after moving default: %v", err)
	}
}

func TestSetDefaultIdempotent(t *testing.T) {
	c, _ := newQualityCatalog(t)
	ctx := context.Background()

	if _, err := c.SetDefault(ctx, ProfileBalanced); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if _, err := c.SetDefault(ctx, ProfileBalanced); err != nil {
		t.Errorf("repeated SetDefault: %v", err)
	}

	_, err := c.SetDefault(ctx, "missing")
	if types.KindOf(err) != types.KindNotFound {
		t.Errorf("SetDefault missing: kind = %v, want not_found", types.KindOf(err))
	}
}

func TestVoiceCatalog_DeleteInUse(t *testing.T) {
	s := memstore.New()
	c := NewVoiceCatalog(s, discardLogger())
	ctx := context.Background()

	refPath := filepath.Join(t.TempDir(), "v1.pcm24k")
	if err := os.WriteFile(refPath, make([]byte, 16), 0o644); err != nil {
		t.Fatalf("write ref: %v", err)
	}
	vp := &types.VoiceProfile{ID: "v1", Name: "Alice", Language: "en", ReferenceAudioPath: refPath, CreatedAt: time.Now()}
	if err := s.CreateVoiceProfile(ctx, vp); err != nil {
		t.Fatalf("CreateVoiceProfile: %v", err)
	}

	job := &types.Job{
		ID: "j1", Kind: types.KindSynthesize, Mode: types.ModeVoiceClone,
		VoiceProfileID: "v1", Status: types.StatusQueued, CreatedAt: time.Now(),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err := c.Delete(ctx, "v1")
	if types.KindOf(err) != types.KindConflict {
		t.Fatalf("delete in use: kind = %v, want conflict", types.KindOf(err))
	}

	kind := types.KindCancelled
	msg := "cancelled"
	if err := s.UpdateJobStatus(ctx, "j1", types.StatusFailed, store.JobPatch{ErrorKind: &kind, ErrorMessage: &msg}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	if err := c.Delete(ctx, "v1"); err != nil {
		t.Fatalf("delete after job terminal: %v", err)
	}
	if _, err := os.Stat(refPath); !os.IsNotExist(err) {
		t.Errorf("reference audio still on disk after delete")
	}
	if err := c.Delete(ctx, "v1"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("second delete: kind = %v, want not_found", types.KindOf(err))
	}
}
