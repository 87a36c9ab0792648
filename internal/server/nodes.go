package server

import (
	"net/http"

	"github.com/alexjbarnes/notesync/internal/notes"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Notes.List(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": entries})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfg.Notes.Get(chi.URLParam(r, "account"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Notes.Delete(chi.URLParam(r, "account"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertFile(w http.ResponseWriter, r *http.Request) {
	var req notes.FileRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.cfg.Notes.UpsertFile(chi.URLParam(r, "account"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpsertFolder(w http.ResponseWriter, r *http.Request) {
	var req notes.FolderRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.cfg.Notes.UpsertFolder(chi.URLParam(r, "account"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}
