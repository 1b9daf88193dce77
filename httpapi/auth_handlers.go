package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/certmill/certmill/auth"
	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.cfg.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.logger.Error("login lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(s.cfg.JWTSecret, &auth.Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	}, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventLogin,
		EntityType: "user",
		EntityID:   user.ID,
		UserID:     user.ID,
		Action:     "login",
		Success:    true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  userResponse{ID: user.ID, Email: user.Email, Role: user.Role},
	})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}
	user, err := s.cfg.Store.CreateUser(r.Context(), req.Email, hash, req.Role)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		s.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create user")
		return
	}

	s.logEvent(r, observability.BusinessEvent{
		EventType:  observability.EventUserCreated,
		EntityType: "user",
		EntityID:   user.ID,
		Action:     "create_user",
		Success:    true,
	})
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, Role: user.Role})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	user, err := s.cfg.Store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("me lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email, Role: user.Role})
}
