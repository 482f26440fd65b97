package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voxmill/voxmill/internal/observe"
	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/internal/validate"
	"github.com/voxmill/voxmill/pkg/audio/transcode"
	"github.com/voxmill/voxmill/pkg/types"
)

// handleCreateJob accepts a form-encoded synthesis job, validates every field,
// persists the record in queued, and enqueues the id. 202 with the job record.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.rejectIfDraining(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, types.Wrap(types.KindValidation, err, "malformed form body"))
		return
	}

	job, err := s.jobFromForm(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.broker.Enqueue(ctx, job.ID); err != nil {
		// Don't leave a record the worker will never see.
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			s.logger.Error("cleanup of unenqueued job failed", "job_id", job.ID, "error", delErr)
		}
		s.writeError(w, r, types.Wrap(types.KindInternal, err, "failed to enqueue job"))
		return
	}
	s.metrics.QueueDepth.Add(ctx, 1)

	s.writeJSON(w, http.StatusAccepted, job)
}

// jobFromForm builds the validated job record from the submitted form. All
// invariants hold before the record is persisted.
func (s *Server) jobFromForm(r *http.Request) (*types.Job, error) {
	mode, err := validate.Mode(r.PostFormValue("mode"))
	if err != nil {
		return nil, err
	}
	text, err := validate.SanitizeText(r.PostFormValue("text"))
	if err != nil {
		return nil, err
	}
	source, err := validate.Language(r.PostFormValue("source_language"))
	if err != nil {
		return nil, err
	}
	target := source
	if raw := r.PostFormValue("target_language"); raw != "" {
		if target, err = validate.Language(raw); err != nil {
			return nil, err
		}
	}

	job := &types.Job{
		ID:             uuid.NewString(),
		Kind:           types.KindSynthesize,
		Mode:           mode,
		Text:           text,
		SourceLanguage: source,
		TargetLanguage: target,
		Status:         types.StatusQueued,
		CreatedAt:      time.Now().UTC(),
		RequestID:      observe.RequestID(r.Context()),
	}

	switch mode {
	case types.ModePreset:
		preset, err := validate.Preset(r.PostFormValue("voice_preset"))
		if err != nil {
			return nil, err
		}
		job.VoicePreset = preset
	case types.ModeVoiceClone:
		id := r.PostFormValue("voice_profile_id")
		if id == "" {
			return nil, types.E(types.KindValidation, "field voice_profile_id: required when mode is voice_clone")
		}
		if _, err := s.voices.Get(r.Context(), id); err != nil {
			if types.KindOf(err) == types.KindNotFound {
				return nil, types.E(types.KindValidation, "field voice_profile_id: voice %q does not exist", id)
			}
			return nil, err
		}
		job.VoiceProfileID = id
	}

	if id := r.PostFormValue("quality_profile_id"); id != "" {
		if _, err := s.quality.Get(r.Context(), id); err != nil {
			if types.KindOf(err) == types.KindNotFound {
				return nil, types.E(types.KindValidation, "field quality_profile_id: profile %q does not exist", id)
			}
			return nil, err
		}
		job.QualityProfileID = id
	}
	return job, nil
}

// handleListJobs serves the paginated listing with an optional status filter.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := store.JobFilter{Page: page, PageSize: size}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := types.JobStatus(raw)
		if !status.IsValid() {
			s.writeError(w, r, types.E(types.KindValidation,
				"field status: unknown value %q (accepted: queued, processing, completed, failed)", raw))
			return
		}
		filter.Status = status
	}

	result, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleJobFormats enumerates the containers the artifact can be downloaded in.
func (s *Server) handleJobFormats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetJob(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]transcode.Format{"formats": transcode.Formats})
}

// handleDownloadJob streams the artifact through the transcoder in the
// requested container.
func (s *Server) handleDownloadJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Status != types.StatusCompleted || job.ArtifactPath == "" {
		s.writeError(w, r, types.E(types.KindConflict, "job %s has no artifact (status %s)", job.ID, job.Status))
		return
	}

	format := transcode.Format(r.URL.Query().Get("format"))
	if !format.IsValid() {
		s.writeError(w, r, types.E(types.KindValidation,
			"field format: unknown value %q (accepted: %s)", string(format), formatList()))
		return
	}

	pcm, err := os.ReadFile(job.ArtifactPath)
	if err != nil {
		s.writeError(w, r, types.Wrap(types.KindInternal, err, "artifact unreadable"))
		return
	}
	encoded, err := s.transcoder.Transcode(ctx, pcm, types.SampleRate, format)
	if err != nil {
		s.writeError(w, r, types.Wrap(types.KindInternal, err, "transcode to %s failed", format))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", job.ID+"."+string(format)))
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(encoded); err != nil {
		s.logger.Warn("download write failed", "job_id", job.ID, "error", err)
	}
}

// handleDeleteJob removes a job and its artifact. A processing job is not
// removed directly: the tombstone is set and the worker abandons the job at
// its next checkpoint.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if job.Status == types.StatusProcessing {
		if err := s.store.RequestCancel(ctx, job.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if job.ArtifactPath != "" {
		if err := os.Remove(job.ArtifactPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("artifact removal failed", "job_id", job.ID, "error", err)
		}
	}
	if job.Kind == types.KindClone {
		s.layout.RemoveClone(job.ID)
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pageParams parses page and page_size query parameters. Values beyond the
// listing cap are clamped by the store filter.
func pageParams(r *http.Request) (page, size int, err error) {
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, types.E(types.KindValidation, "field page: must be a positive integer")
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil || size < 1 {
			return 0, 0, types.E(types.KindValidation, "field page_size: must be a positive integer")
		}
	}
	return page, size, nil
}

func formatList() string {
	out := ""
	for i, f := range transcode.Formats {
		if i > 0 {
			out += ", "
		}
		out += string(f)
	}
	return out
}
