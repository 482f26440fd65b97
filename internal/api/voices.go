package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voxmill/voxmill/internal/artifact"
	"github.com/voxmill/voxmill/internal/observe"
	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/internal/validate"
	"github.com/voxmill/voxmill/pkg/audio"
	"github.com/voxmill/voxmill/pkg/types"
)

// multipartMemoryLimit is how much of the upload is buffered in memory before
// spilling to a temp file.
const multipartMemoryLimit = 8 << 20

// handleCloneVoice accepts the multipart clone upload, validates it, stages
// the audio for the worker, and creates the clone job. 202 with the job id.
func (s *Server) handleCloneVoice(w http.ResponseWriter, r *http.Request) {
	if s.rejectIfDraining(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.uploadReadTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	// Some slack on top of the audio cap for the other multipart fields.
	r.Body = http.MaxBytesReader(w, r.Body, validate.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorStatus(w, r, http.StatusRequestEntityTooLarge, types.KindValidation,
				"upload exceeds the size limit")
			return
		}
		s.writeError(w, r, types.Wrap(types.KindValidation, err, "malformed multipart body"))
		return
	}

	name, err := validate.VoiceName(r.PostFormValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	language, err := validate.Language(r.PostFormValue("language"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, types.E(types.KindValidation, "field file: reference audio upload is required"))
		return
	}
	defer file.Close()

	if err := validate.Upload(header.Header.Get("Content-Type"), header.Size); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, types.Wrap(types.KindValidation, err, "reading upload failed"))
		return
	}

	// Probe the audio before accepting: the duration window is checked here
	// so an undersized upload fails the request, not the job.
	pcm, rate, channels, err := s.transcoder.Decode(ctx, data)
	if err != nil {
		s.writeError(w, r, types.Wrap(types.KindValidation, err, "reference audio could not be decoded"))
		return
	}
	duration := audio.Duration(audio.DownmixToMono16(pcm, channels), rate)
	if err := validate.ReferenceDuration(duration); err != nil {
		s.writeError(w, r, err)
		return
	}

	jobID := uuid.NewString()
	meta := artifact.CloneMeta{
		Name:        name,
		Language:    language,
		Description: r.PostFormValue("description"),
		RefText:     r.PostFormValue("ref_text"),
	}
	if err := s.layout.StageClone(jobID, meta, data); err != nil {
		s.writeError(w, r, types.Wrap(types.KindInternal, err, "staging upload failed"))
		return
	}

	job := &types.Job{
		ID:             jobID,
		Kind:           types.KindClone,
		SourceLanguage: language,
		Status:         types.StatusQueued,
		CreatedAt:      time.Now().UTC(),
		RequestID:      observe.RequestID(ctx),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.layout.RemoveClone(jobID)
		s.writeError(w, r, err)
		return
	}
	if err := s.broker.Enqueue(ctx, jobID); err != nil {
		s.layout.RemoveClone(jobID)
		if delErr := s.store.DeleteJob(ctx, jobID); delErr != nil {
			s.logger.Error("cleanup of unenqueued clone job failed", "job_id", jobID, "error", delErr)
		}
		s.writeError(w, r, types.Wrap(types.KindInternal, err, "failed to enqueue job"))
		return
	}
	s.metrics.QueueDepth.Add(ctx, 1)

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := store.VoiceFilter{Page: page, PageSize: size}
	if raw := r.URL.Query().Get("language"); raw != "" {
		lang, err := validate.Language(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Language = lang
	}

	result, err := s.voices.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	vp, err := s.voices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vp)
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	if err := s.voices.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
