package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runpad/runpad/internal/run"
	"github.com/runpad/runpad/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStorageError maps store errors onto HTTP statuses.
func writeStorageError(w http.ResponseWriter, err error) {
	var verr *storage.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "script not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Script handlers ---

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if scripts == nil {
		scripts = []storage.Script{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

type uploadScriptRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleUploadScript(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)

	var req uploadScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.store.Save(r.Context(), req.Name, []byte(req.Content)); err != nil {
		writeStorageError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"name": req.Name,
		"size": len(req.Content),
	})
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.store.Delete(r.Context(), name); err != nil {
		writeStorageError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Run handlers ---

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req run.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	runID, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	// Acceptance is the last synchronous answer; everything after this
	// is only visible on the run's event stream.
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.runs.Lookup(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
