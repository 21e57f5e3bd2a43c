package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ragserver/internal/docstore"
	"ragserver/internal/vectorstore"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sort_by")
	order := r.URL.Query().Get("order")

	docs, err := s.store.ListDocuments(r.Context(), sortBy, order)
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []vectorstore.DocumentSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	docs, err := s.store.ListDocuments(r.Context(), "", "")
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var found *vectorstore.DocumentSummary
	for i := range docs {
		if docs[i].ID == documentID {
			found = &docs[i]
			break
		}
	}
	if found == nil {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}

	if err := s.store.DeleteByDocument(r.Context(), documentID); err != nil {
		s.logger.Error("failed to delete document", "document_id", documentID, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.docs.Delete(documentID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.logger.Warn("failed to remove stored original", "document_id", documentID, "error", err)
	}

	// The keyword index still holds the deleted chunks until rebuilt.
	if s.sparse != nil {
		chunks, err := s.store.ListAllChunks(r.Context())
		if err != nil {
			s.logger.Warn("failed to list chunks for sparse refresh", "error", err)
		} else if err := s.sparse.Refresh(r.Context(), chunks); err != nil {
			s.logger.Warn("failed to refresh sparse index", "error", err)
		}
	}

	s.logger.Info("document deleted",
		"document_id", documentID, "file", found.FileName, "chunks", found.Chunks)
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Deleted %s (%d chunks)", found.FileName, found.Chunks),
	})
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	path, filename, err := s.docs.Find(documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to locate stored original", "document_id", documentID, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}
