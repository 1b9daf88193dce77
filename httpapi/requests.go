package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/certmill/certmill/auth"
	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/store"
)

type createRequestBody struct {
	Direction   string `json:"direction"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Direction == "" || body.Title == "" || body.Description == "" {
		writeError(w, http.StatusBadRequest, "direction, title and description are required")
		return
	}

	claims := auth.FromContext(r.Context())
	req, err := s.cfg.Store.CreateRequest(r.Context(), claims.UserID, body.Direction, body.Title, body.Description)
	if err != nil {
		s.logger.Error("create request", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create request")
		return
	}

	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventRequestCreated,
		EntityType: "request",
		EntityID:   req.ID,
		Action:     "create_request",
		Success:    true,
	})

	// Fire and forget: the client never waits on the relay, and a mail
	// failure is only logged.
	if s.cfg.RequestsTo != "" {
		go s.notifyRequestMail(*req, claims.Email)
	}

	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) notifyRequestMail(req store.Request, submitterEmail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subject := fmt.Sprintf("New automation request: %s", req.Title)
	body := fmt.Sprintf(
		"<h2>New automation request</h2>"+
			"<p><b>From:</b> %s</p>"+
			"<p><b>Direction:</b> %s</p>"+
			"<p><b>Title:</b> %s</p>"+
			"<p><b>Description:</b></p><p>%s</p>",
		html.EscapeString(submitterEmail),
		html.EscapeString(req.Direction),
		html.EscapeString(req.Title),
		html.EscapeString(req.Description))

	if err := s.cfg.Mailer.Send(ctx, s.cfg.RequestsTo, subject, body); err != nil {
		s.logger.Error("request notification mail failed", "request_id", req.ID, "error", err)
	}
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Store.ListRequests(r.Context())
	if err != nil {
		s.logger.Error("list requests", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list requests")
		return
	}
	if list == nil {
		list = []store.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	list, err := s.cfg.Store.ListRequestsByUser(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("list own requests", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list requests")
		return
	}
	if list == nil {
		list = []store.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	req, err := s.cfg.Store.GetRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("get request", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}
