// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"net/http"
)

// RegisterRoutes mounts the marketplace API on mux. Every route is wrapped with
// request metrics under its pattern.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	required := h.jwtAuth.Middleware
	optional := h.jwtAuth.OptionalMiddleware

	routes := []struct {
		pattern string
		handler http.Handler
	}{
		{"POST /api/auth/register", http.HandlerFunc(h.HandleRegister)},
		{"POST /api/auth/login", http.HandlerFunc(h.HandleLogin)},
		{"GET /api/users/{id}", http.HandlerFunc(h.HandleGetUser)},
		{"GET /api/listings", http.HandlerFunc(h.HandleListListings)},
		{"POST /api/listings", required(http.HandlerFunc(h.HandleCreateListing))},
		{"PATCH /api/listings/{id}/close", required(http.HandlerFunc(h.HandleCloseListing))},
		{"GET /api/messages/{userId}", required(http.HandlerFunc(h.HandleListMessages))},
		{"POST /api/messages", required(http.HandlerFunc(h.HandleCreateMessage))},
		{"GET /api/gallery", http.HandlerFunc(h.HandleListGallery)},
		{"POST /api/gallery", required(http.HandlerFunc(h.HandleCreateGalleryItem))},
		{"POST /sync-batch", optional(http.HandlerFunc(h.HandleSyncBatch))},
		{"GET /health", http.HandlerFunc(h.HandleHealth)},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, MetricsMiddleware(rt.pattern, rt.handler))
	}
}
