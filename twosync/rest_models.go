// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"encoding/json"
)

// SyncBatchRequest is the body of POST /sync-batch: deferred writes grouped by kind,
// each item carrying its client-assigned id
type SyncBatchRequest struct {
	Users         []User                `json:"users"`
	Listings      []Listing             `json:"listings"`
	ListingStatus []ListingStatusUpdate `json:"listing_status,omitempty"`
	Messages      []Message             `json:"messages"`
	Gallery       []GalleryItem         `json:"gallery,omitempty"`
}

// Len returns the number of items across all kinds
func (r *SyncBatchRequest) Len() int {
	return len(r.Users) + len(r.Listings) + len(r.ListingStatus) + len(r.Messages) + len(r.Gallery)
}

// ids returns the item ids of a kind in request order
func (r *SyncBatchRequest) ids(kind string) []string {
	var ids []string
	switch kind {
	case KindUsers:
		for _, u := range r.Users {
			ids = append(ids, u.ID)
		}
	case KindListings:
		for _, l := range r.Listings {
			ids = append(ids, l.ID)
		}
	case KindListingStatus:
		for _, s := range r.ListingStatus {
			ids = append(ids, s.ID)
		}
	case KindMessages:
		for _, m := range r.Messages {
			ids = append(ids, m.ID)
		}
	case KindGallery:
		for _, g := range r.Gallery {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

// ItemStatus reports the outcome for one reconciled item
type ItemStatus struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`           // "applied" | "invalid"
	Reason  string          `json:"reason,omitempty"` // set when Status is "invalid"
	Message string          `json:"message,omitempty"`
	Missing []string        `json:"missing,omitempty"` // dangling references for fk_missing
	Row     json.RawMessage `json:"row,omitempty"`     // authoritative row after an applied upsert
}

// SyncBatchResponse is returned by POST /sync-batch
type SyncBatchResponse struct {
	Success  bool                    `json:"success"`
	Statuses map[string][]ItemStatus `json:"statuses"`
}

// Status looks up the status of an item by kind and id
func (r *SyncBatchResponse) Status(kind, id string) (ItemStatus, bool) {
	for _, st := range r.Statuses[kind] {
		if st.ID == id {
			return st, true
		}
	}
	return ItemStatus{}, false
}

// ErrorResponse is the standard error envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse acknowledges a write
type SuccessResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// RegisterResponse is returned by POST /api/auth/register
type RegisterResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Token   string `json:"token"`
	User    User   `json:"user"`
}

// LoginRequest is the body of POST /api/auth/login. Login matches either email or pseudo.
type LoginRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

// LoginResponse is returned by POST /api/auth/login
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      User   `json:"user"`
}

// ListingFilter narrows GET /api/listings. An empty Status means open listings only.
type ListingFilter struct {
	Category string `json:"category,omitempty"`
	Location string `json:"location,omitempty"`
	Type     string `json:"type,omitempty"`
	Status   string `json:"status,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}
