// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmt94800-wq/twokaj/internal/auth"
)

const (
	DefaultTokenTTL     = 24 * time.Hour
	DefaultMaxBodyBytes = 8 << 20
)

// HTTPHandlers exposes the marketplace REST API and the reconciliation endpoint
type HTTPHandlers struct {
	service      *Service
	jwtAuth      *JWTAuth
	logger       *slog.Logger
	tokenTTL     time.Duration
	maxBodyBytes int64
}

// NewHTTPHandlers creates a new instance of marketplace handlers
func NewHTTPHandlers(service *Service, jwtAuth *JWTAuth, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:      service,
		jwtAuth:      jwtAuth,
		logger:       logger,
		tokenTTL:     DefaultTokenTTL,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// HandleRegister creates an account and returns a session token
func (h *HTTPHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var u User
	if !h.decode(w, r, &u) {
		return
	}
	created, err := h.service.CreateUser(r.Context(), u)
	if err != nil {
		h.writeServiceError(w, "register", err)
		return
	}
	token, err := h.jwtAuth.GenerateToken(created.ID, "", h.tokenTTL)
	if err != nil {
		h.logger.Error("Failed to sign token", "error", err, "user_id", created.ID)
		h.writeError(w, http.StatusInternalServerError, "token_failed", "Failed to issue token")
		return
	}
	h.writeJSON(w, http.StatusCreated, RegisterResponse{Success: true, ID: created.ID, Token: token, User: created.Public()})
}

// HandleLogin exchanges credentials for a session token
func (h *HTTPHandlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	login := req.Login
	if login == "" {
		login = req.Email
	}
	u, err := h.service.Authenticate(r.Context(), login, req.Password)
	if err != nil {
		h.writeServiceError(w, "login", err)
		return
	}
	token, err := h.jwtAuth.GenerateToken(u.ID, req.DeviceID, h.tokenTTL)
	if err != nil {
		h.logger.Error("Failed to sign token", "error", err, "user_id", u.ID)
		h.writeError(w, http.StatusInternalServerError, "token_failed", "Failed to issue token")
		return
	}
	h.writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresIn: int64(h.tokenTTL.Seconds()), User: u.Public()})
}

// HandleGetUser returns a public profile
func (h *HTTPHandlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get_user", err)
		return
	}
	h.writeJSON(w, http.StatusOK, u.Public())
}

// HandleListListings returns listings matching the query filters
func (h *HTTPHandlers) HandleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListingFilter{
		Category: q.Get("category"),
		Location: q.Get("location"),
		Type:     q.Get("type"),
		Status:   q.Get("status"),
		UserID:   q.Get("user_id"),
	}
	listings, err := h.service.ListListings(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_listings", err)
		return
	}
	if listings == nil {
		listings = []Listing{}
	}
	h.writeJSON(w, http.StatusOK, listings)
}

// HandleCreateListing publishes a listing for the authenticated user
func (h *HTTPHandlers) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var l Listing
	if !h.decode(w, r, &l) {
		return
	}
	created, err := h.service.CreateListing(r.Context(), userID, l)
	if err != nil {
		h.writeServiceError(w, "create_listing", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleCloseListing closes a listing owned by the authenticated user
func (h *HTTPHandlers) HandleCloseListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	closed, err := h.service.CloseListing(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "close_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, closed)
}

// HandleListMessages returns the conversation history of the authenticated user
func (h *HTTPHandlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	requested := r.PathValue("userId")
	if normalized, err := NormalizeID("user_id", requested); err != nil || normalized != userID {
		h.writeError(w, http.StatusForbidden, "forbidden", "Messages can only be read by their participant")
		return
	}
	messages, err := h.service.ListMessages(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list_messages", err)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	h.writeJSON(w, http.StatusOK, messages)
}

// HandleCreateMessage sends a message from the authenticated user
func (h *HTTPHandlers) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var m Message
	if !h.decode(w, r, &m) {
		return
	}
	sent, err := h.service.CreateMessage(r.Context(), userID, m)
	if err != nil {
		h.writeServiceError(w, "create_message", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sent)
}

// HandleListGallery returns all gallery items
func (h *HTTPHandlers) HandleListGallery(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListGallery(r.Context())
	if err != nil {
		h.writeServiceError(w, "list_gallery", err)
		return
	}
	if items == nil {
		items = []GalleryItem{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

// HandleCreateGalleryItem adds a community photo
func (h *HTTPHandlers) HandleCreateGalleryItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	var g GalleryItem
	if !h.decode(w, r, &g) {
		return
	}
	created, err := h.service.CreateGalleryItem(r.Context(), g)
	if err != nil {
		h.writeServiceError(w, "create_gallery_item", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleSyncBatch reconciles a batch of deferred writes. Authentication is optional;
// an authenticated batch may only carry the caller's own entities.
func (h *HTTPHandlers) HandleSyncBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, _ := auth.GetUserID(r.Context())

	var req SyncBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	response, err := h.service.ProcessSyncBatch(r.Context(), userID, &req)
	if err != nil {
		h.logger.Error("Failed to process sync batch", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync batch")
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleHealth reports liveness and database reachability
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pool().Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unreachable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "Authentication required")
		return "", false
	}
	return userID, true
}

func (h *HTTPHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, ReasonBatchTooLarge, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return false
	}
	return true
}

// writeServiceError maps store sentinels to HTTP status codes
func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, ReasonBadPayload, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid login or password")
	case errors.Is(err, ErrForbidden):
		h.writeError(w, http.StatusForbidden, ReasonForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrConflict):
		h.writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, ErrFKMissing):
		h.writeError(w, http.StatusUnprocessableEntity, ReasonFKMissing, err.Error())
	default:
		h.logger.Error("Request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, op+"_failed", "Internal server error")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeError(w, h.logger, statusCode, errorCode, message)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
