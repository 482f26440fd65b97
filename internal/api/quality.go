package api

import (
	"net/http"

	"github.com/voxmill/voxmill/internal/validate"
	"github.com/voxmill/voxmill/pkg/types"
)

// qualityProfileRequest is the JSON body for creating a custom profile.
type qualityProfileRequest struct {
	ID          string                  `json:"id,omitempty"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Parameters  types.QualityParameters `json:"parameters"`
}

// qualityProfilePatch is the JSON body for PATCH; nil fields stay untouched.
type qualityProfilePatch struct {
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	Parameters  *types.QualityParameters `json:"parameters,omitempty"`
}

func (s *Server) handleCreateQualityProfile(w http.ResponseWriter, r *http.Request) {
	var req qualityProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	qp := &types.QualityProfile{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Parameters:  req.Parameters,
	}
	created, err := s.quality.Create(r.Context(), qp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListQualityProfiles(w http.ResponseWriter, r *http.Request) {
	engine := ""
	if raw := r.URL.Query().Get("engine"); raw != "" {
		var err error
		if engine, err = validate.Engine(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	profiles, err := s.quality.List(r.Context(), engine)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]types.QualityProfile{"profiles": profiles})
}

func (s *Server) handleGetQualityProfile(w http.ResponseWriter, r *http.Request) {
	qp, err := s.quality.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qp)
}

func (s *Server) handleUpdateQualityProfile(w http.ResponseWriter, r *http.Request) {
	var patch qualityProfilePatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	qp, err := s.quality.Update(r.Context(), r.PathValue("id"), patch.Name, patch.Description, patch.Parameters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qp)
}

func (s *Server) handleDeleteQualityProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.quality.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDuplicateQualityProfile(w http.ResponseWriter, r *http.Request) {
	dup, err := s.quality.Duplicate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dup)
}

func (s *Server) handleSetDefaultQualityProfile(w http.ResponseWriter, r *http.Request) {
	qp, err := s.quality.SetDefault(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qp)
}
