package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/tasks"
)

const maxUploadBytes = 32 << 20

type startGenerationResponse struct {
	TaskID string `json:"task_id"`
}

type listGenerationsResponse struct {
	Tasks            []generation.Task `json:"tasks"`
	ActiveTransports int               `json:"active_transports"`
}

type setOwnerRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	mode := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "mode")))

	var (
		id  string
		err error
	)
	switch mode {
	case "entity":
		var req tasks.EntityRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		id, err = s.registry.StartFromEntity(r.Context(), req)
	case "text":
		var req tasks.TextRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		id, err = s.registry.StartFromText(r.Context(), req)
	case "upload":
		id, err = s.startFromUpload(r)
	case "regenerate":
		id, err = s.startRegeneration(r)
	default:
		respondError(w, http.StatusNotFound, "unknown_mode", "unknown generation mode "+strconv.Quote(mode))
		return
	}
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, startGenerationResponse{TaskID: id})
}

func (s *Server) startFromUpload(r *http.Request) (string, error) {
	if !isMultipart(r) {
		return "", errors.Join(tasks.ErrInvalidRequest, errors.New("upload expects multipart/form-data"))
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", errors.Join(tasks.ErrInvalidRequest, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", errors.Join(tasks.ErrInvalidRequest, errors.New("form file \"file\" is required"))
	}
	defer file.Close()

	return s.registry.StartFromUpload(r.Context(), tasks.UploadRequest{
		EntityID:    r.FormValue("entity_id"),
		EntityLabel: r.FormValue("entity_label"),
		Filename:    header.Filename,
		Content:     file,
		Notes:       r.FormValue("notes"),
	})
}

// startRegeneration accepts JSON, or multipart when the reference image is
// uploaded with the request.
func (s *Server) startRegeneration(r *http.Request) (string, error) {
	if !isMultipart(r) {
		var req tasks.RegenerateRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", errors.Join(tasks.ErrInvalidRequest, err)
		}
		return s.registry.StartRegeneration(r.Context(), req)
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", errors.Join(tasks.ErrInvalidRequest, err)
	}
	req := tasks.RegenerateRequest{
		EntityID:          r.FormValue("entity_id"),
		EntityLabel:       r.FormValue("entity_label"),
		ReferenceImageURL: r.FormValue("reference_image_url"),
		Feedback:          r.FormValue("feedback"),
	}
	file, header, err := r.FormFile("reference")
	switch {
	case err == nil:
		defer file.Close()
		req.Reference = file
		req.ReferenceFilename = header.Filename
	case !errors.Is(err, http.ErrMissingFile):
		return "", errors.Join(tasks.ErrInvalidRequest, err)
	}
	return s.registry.StartRegeneration(r.Context(), req)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	includeDismissed := false
	if raw := strings.TrimSpace(r.URL.Query().Get("include_dismissed")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "include_dismissed must be a boolean")
			return
		}
		includeDismissed = parsed
	}
	respondJSON(w, http.StatusOK, listGenerationsResponse{
		Tasks:            s.registry.List(includeDismissed),
		ActiveTransports: s.registry.ActiveCount(),
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	task, err := s.registry.Get(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryApply(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.registry.RetryApply(id); err != nil {
		s.respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": "accepted"})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	dismissed, err := s.registry.Dismiss(id)
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "dismissed": dismissed})
}

func (s *Server) handleClearDismissed(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.registry.ClearDismissed(r.Context())
	if err != nil {
		s.logger.Error("clear dismissed failed", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	var req setOwnerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if subject := s.credentialSubject(); subject != "" && subject != req.UserID {
		respondError(w, http.StatusForbidden, "owner_mismatch", "user_id does not match the signed-in credential")
		return
	}
	changed, err := s.registry.SyncOwner(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("owner sync persisted partially", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"owner_id": req.UserID, "changed": changed})
}

func (s *Server) handleEntitySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.registry.Entity(strings.TrimSpace(chi.URLParam(r, "id")))
	if !ok {
		respondError(w, http.StatusNotFound, "entity_not_cached", "no applied snapshot for this entity")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

// credentialSubject is the user the backend credential acts for. Empty means
// the token is opaque, and the owner endpoint acts as an operator override.
func (s *Server) credentialSubject() string {
	if s.creds == nil {
		return ""
	}
	return auth.Subject(s.creds.AccessToken())
}
