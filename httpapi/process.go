package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/auth"
	"github.com/certmill/certmill/jobs"
	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/safety"
)

type processRequest struct {
	FileName string `json:"fileName"`
	SocketID string `json:"socketId"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileName == "" || req.SocketID == "" {
		writeError(w, http.StatusBadRequest, "fileName and socketId are required")
		return
	}
	if err := safety.ValidateIdentifier(req.SocketID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid socketId")
		return
	}

	inputPath, err := safety.SafePath(s.cfg.UploadsDir, req.FileName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if _, err := os.Stat(inputPath); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	var userID string
	if c := auth.FromContext(r.Context()); c != nil {
		userID = c.UserID
	}

	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventProcessStarted,
		EntityType: "job",
		EntityID:   req.SocketID,
		Action:     "process",
		Success:    true,
	})

	if r.URL.Query().Get("wait") != "1" {
		s.cfg.Supervisor.Start(req.SocketID, inputPath, userID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":  "Processing started",
			"socketId": req.SocketID,
		})
		return
	}

	outcome := s.cfg.Supervisor.Run(req.SocketID, inputPath, userID)
	if outcome.Err != nil {
		s.logEvent(r, observability.BusinessEvent{
			EventType:  observability.EventProcessFailed,
			EntityType: "job",
			EntityID:   req.SocketID,
			Action:     "process",
			Details:    jsonDetail("error", outcome.Err.Error()),
		})
		writeError(w, http.StatusInternalServerError, outcome.Err.Error())
		return
	}
	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventProcessDone,
		EntityType: "job",
		EntityID:   req.SocketID,
		Action:     "process",
		Success:    true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "File processed successfully",
		"outputPath": filepath.Base(outcome.OutputPath),
		"isZip":      outcome.IsZip,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	socketID := chi.URLParam(r, "socketID")
	if err := s.cfg.Supervisor.Cancel(socketID); err != nil {
		if errors.Is(err, jobs.ErrNoSuchJob) {
			writeError(w, http.StatusNotFound, "no running job for this socketId")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventCancelled,
		EntityType: "job",
		EntityID:   socketID,
		Action:     "cancel",
		Success:    true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func jsonDetail(key, value string) string {
	b, _ := json.Marshal(map[string]string{key: value})
	return string(b)
}
