// A handler file for all upload-queue API endpoints.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vrsandeep/shipyard-go/internal/models"
	"github.com/vrsandeep/shipyard-go/internal/transport"
	"github.com/vrsandeep/shipyard-go/internal/uploader"
)

// maxUploadMemory bounds how much of a multipart request is held in memory
// before spilling to temp files.
const maxUploadMemory = 32 << 20

func (s *Server) handleSubmitUploads(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		RespondWithError(w, http.StatusBadRequest, "No files provided")
		return
	}

	files := make([]models.FileRef, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("Could not read file %q", fh.Filename))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("Could not read file %q", fh.Filename))
			return
		}
		files = append(files, models.FileRef{
			Name: fh.Filename,
			Size: fh.Size,
			Data: data,
		})
	}

	// Dispatch outlives the request; the submission runs in the background
	// and progress is read from the queue snapshot.
	batchID, itemIDs, err := s.app.Dispatcher().SubmitAsync(context.Background(), files, uploader.Options{
		BatchName: r.FormValue("name"),
	})
	if err != nil {
		var verr *transport.ValidationError
		if errors.As(err, &verr) {
			RespondWithError(w, http.StatusBadRequest, verr.Error())
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to submit uploads")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batchID,
		"item_ids": itemIDs,
		"message":  fmt.Sprintf("%d files have been queued for upload.", len(files)),
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Store().Snapshot())
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	switch payload.Action {
	case "retry_all":
		go s.app.Dispatcher().RetryAll(context.Background())
	case "clear_completed":
		s.app.Store().ClearCompleted()
	case "reset":
		s.app.Store().Reset()
	default:
		RespondWithError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	itemID := models.CorrelationKey(chi.URLParam(r, "itemID"))
	if err := s.app.Dispatcher().RetryItem(context.Background(), itemID); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	itemID := models.CorrelationKey(chi.URLParam(r, "itemID"))
	if err := s.app.Dispatcher().Cancel(itemID); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if err := s.app.Dispatcher().RetryBatch(context.Background(), batchID); err != nil {
		RespondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleRemoveBatch(w http.ResponseWriter, r *http.Request) {
	s.app.Store().RemoveBatch(chi.URLParam(r, "batchID"))
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
