// Package memstore provides an in-memory implementation of [store.Store],
// used by unit tests that need a record store without a database. Semantics
// mirror the PostgreSQL implementation, including the state-machine guards.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store keeps all records in maps behind a single mutex.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	voices   map[string]*types.VoiceProfile
	profiles map[string]*types.QualityProfile
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*types.Job),
		voices:   make(map[string]*types.VoiceProfile),
		profiles: make(map[string]*types.QualityProfile),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Jobs
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return types.E(types.KindConflict, "job %q already exists", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "job %q not found", id)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) (*types.JobPage, error) {
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []types.Job
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		all = append(all, *job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	page := paginate(all, f.Page, f.PageSize)
	if page == nil {
		page = []types.Job{}
	}
	return &types.JobPage{Jobs: page, Page: f.Page, PageSize: f.PageSize, Total: len(all)}, nil
}

func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, next types.JobStatus, patch store.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	if !job.Status.CanTransitionTo(next) {
		return types.E(types.KindConflict, "job %q: illegal transition to %s", id, next)
	}

	job.Status = next
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ArtifactPath != nil {
		job.ArtifactPath = *patch.ArtifactPath
	}
	if patch.VoiceID != nil {
		job.VoiceID = *patch.VoiceID
	}
	if patch.ErrorKind != nil {
		job.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
	return nil
}

func (s *Store) SetJobProgress(_ context.Context, id string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if job.Status == types.StatusProcessing && progress >= job.Progress {
		job.Progress = progress
	}
	return nil
}

func (s *Store) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	job.CancelRequested = true
	return nil
}

func (s *Store) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		// A deleted job behaves like a set tombstone.
		return true, nil
	}
	return job.CancelRequested, nil
}

func (s *Store) ReconcileOrphans(_ context.Context, grace time.Duration, inflight func(id string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	recovered := 0
	for id, job := range s.jobs {
		if job.Status != types.StatusProcessing {
			continue
		}
		since := job.CreatedAt
		if job.StartedAt != nil {
			since = *job.StartedAt
		}
		if !since.Before(cutoff) {
			continue
		}
		if inflight != nil && inflight(id) {
			continue
		}
		now := time.Now()
		job.Status = types.StatusFailed
		job.ErrorKind = types.KindAbandoned
		job.ErrorMessage = "job abandoned by a previous process instance"
		job.CompletedAt = &now
		recovered++
	}
	return recovered, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Voice profiles
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) CreateVoiceProfile(_ context.Context, vp *types.VoiceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voices[vp.ID]; ok {
		return types.E(types.KindConflict, "voice profile %q already exists", vp.ID)
	}
	cp := *vp
	s.voices[vp.ID] = &cp
	return nil
}

func (s *Store) GetVoiceProfile(_ context.Context, id string) (*types.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.voices[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	cp := *vp
	return &cp, nil
}

func (s *Store) ListVoiceProfiles(_ context.Context, f store.VoiceFilter) (*types.VoiceProfilePage, error) {
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []types.VoiceProfile
	for _, vp := range s.voices {
		if f.Language != "" && vp.Language != f.Language {
			continue
		}
		all = append(all, *vp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	page := paginate(all, f.Page, f.PageSize)
	if page == nil {
		page = []types.VoiceProfile{}
	}
	return &types.VoiceProfilePage{Voices: page, Page: f.Page, PageSize: f.PageSize, Total: len(all)}, nil
}

func (s *Store) DeleteVoiceProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.voices[id]; !ok {
		return types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	delete(s.voices, id)
	return nil
}

func (s *Store) IncrementVoiceUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.voices[id]
	if !ok {
		return types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	vp.UsageCount++
	return nil
}

func (s *Store) VoiceInUse(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.VoiceProfileID != id {
			continue
		}
		if job.Status == types.StatusQueued || job.Status == types.StatusProcessing {
			return true, nil
		}
	}
	return false, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Quality profiles
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) CreateQualityProfile(_ context.Context, qp *types.QualityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[qp.ID]; ok {
		return types.E(types.KindConflict, "quality profile %q already exists", qp.ID)
	}
	if qp.IsDefault {
		for _, other := range s.profiles {
			if other.Engine == qp.Engine && other.IsDefault {
				return types.E(types.KindConflict, "engine %q already has a default profile", qp.Engine)
			}
		}
	}
	cp := *qp
	s.profiles[qp.ID] = &cp
	return nil
}

func (s *Store) GetQualityProfile(_ context.Context, id string) (*types.QualityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qp, ok := s.profiles[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "quality profile %q not found", id)
	}
	cp := *qp
	return &cp, nil
}

func (s *Store) ListQualityProfiles(_ context.Context, engine string) ([]types.QualityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := []types.QualityProfile{}
	for _, qp := range s.profiles {
		if engine != "" && qp.Engine != engine {
			continue
		}
		all = append(all, *qp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Engine != all[j].Engine {
			return all[i].Engine < all[j].Engine
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func (s *Store) UpdateQualityProfile(_ context.Context, qp *types.QualityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.profiles[qp.ID]
	if !ok {
		return types.E(types.KindNotFound, "quality profile %q not found", qp.ID)
	}
	cur.Name = qp.Name
	cur.Description = qp.Description
	cur.Parameters = qp.Parameters
	return nil
}

func (s *Store) DeleteQualityProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return types.E(types.KindNotFound, "quality profile %q not found", id)
	}
	delete(s.profiles, id)
	return nil
}

func (s *Store) DefaultQualityProfile(_ context.Context, engine string) (*types.QualityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, qp := range s.profiles {
		if qp.Engine == engine && qp.IsDefault {
			cp := *qp
			return &cp, nil
		}
	}
	return nil, types.E(types.KindNotFound, "no default quality profile for engine %q", engine)
}

func (s *Store) SetDefaultQualityProfile(_ context.Context, engine, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.profiles[id]
	if !ok || target.Engine != engine {
		return types.E(types.KindNotFound, "quality profile %q not found for engine %q", id, engine)
	}
	for _, qp := range s.profiles {
		if qp.Engine == engine {
			qp.IsDefault = false
		}
	}
	target.IsDefault = true
	return nil
}

// Ping implements [store.Store]. The in-memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() {}

// paginate slices one 1-based page out of items.
func paginate[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
