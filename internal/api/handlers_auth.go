package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/talkhaven/safeguard/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
			return
		}
		respondError(w, http.StatusInternalServerError, "auth_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "refresh_token is required")
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Refresh token is invalid or expired")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		// No token supplied: revoke every session for the reviewer.
		if err := s.authService.LogoutAll(r.Context(), claims.UserID); err != nil {
			respondError(w, http.StatusInternalServerError, "auth_error", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		return
	}

	if err := s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken); err != nil {
		respondError(w, http.StatusInternalServerError, "auth_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentReviewer(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	reviewer, err := s.reviewerStore.GetReviewerByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Reviewer not found")
		return
	}

	respondJSON(w, http.StatusOK, reviewer)
}

func (s *Server) listReviewers(w http.ResponseWriter, r *http.Request) {
	reviewers, err := s.reviewerStore.ListReviewers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, reviewers)
}

type createReviewerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Tier     string `json:"tier"`
}

func (s *Server) createReviewer(w http.ResponseWriter, r *http.Request) {
	var req createReviewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" || req.Tier == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email, password, and tier are required")
		return
	}

	if s.authService.TierRank(req.Tier) < 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "tier is not on the authorization ladder")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "auth_error", err.Error())
		return
	}

	reviewer := &auth.Reviewer{
		Email:    req.Email,
		Name:     req.Name,
		Password: hash,
		Tier:     req.Tier,
	}

	if err := s.reviewerStore.CreateReviewer(r.Context(), reviewer); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	reviewer.Password = ""
	respondJSON(w, http.StatusCreated, reviewer)
}
