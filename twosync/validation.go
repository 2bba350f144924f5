// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Validation and store error sentinels for error mapping
var (
	ErrBadPayload         = errors.New("bad_payload")
	ErrNotFound           = errors.New("not_found")
	ErrConflict           = errors.New("already_exists")
	ErrForbidden          = errors.New("forbidden")
	ErrFKMissing          = errors.New("fk_missing")
	ErrInvalidCredentials = errors.New("invalid_credentials")
)

const (
	maxTitleLen   = 200
	maxContentLen = 4000
)

// NormalizeID parses a client-assigned identifier and returns its canonical form
func NormalizeID(field, id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: invalid UUID for %s: %q", ErrBadPayload, field, id)
	}
	return parsed.String(), nil
}

// ValidateUser normalizes and validates a user record
func ValidateUser(u *User) error {
	id, err := NormalizeID("id", u.ID)
	if err != nil {
		return err
	}
	u.ID = id
	u.Pseudo = strings.TrimSpace(u.Pseudo)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.Name = strings.TrimSpace(u.Name)

	if u.Pseudo == "" {
		return fmt.Errorf("%w: pseudo is required", ErrBadPayload)
	}
	if u.Email == "" {
		return fmt.Errorf("%w: email is required", ErrBadPayload)
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrBadPayload, u.Email)
	}
	if u.Password == "" {
		return fmt.Errorf("%w: password is required", ErrBadPayload)
	}
	if u.Categories == nil {
		u.Categories = Strings{}
	}
	return nil
}

// ValidateListing normalizes and validates a listing. A missing status defaults to open.
func ValidateListing(l *Listing) error {
	id, err := NormalizeID("id", l.ID)
	if err != nil {
		return err
	}
	l.ID = id
	if l.UserID, err = NormalizeID("user_id", l.UserID); err != nil {
		return err
	}

	l.Title = strings.TrimSpace(l.Title)
	if l.Title == "" {
		return fmt.Errorf("%w: title is required", ErrBadPayload)
	}
	if len(l.Title) > maxTitleLen {
		return fmt.Errorf("%w: title longer than %d bytes", ErrBadPayload, maxTitleLen)
	}

	switch l.Type {
	case ListingOffer, ListingRequest:
	case "":
		l.Type = ListingOffer
	default:
		return fmt.Errorf("%w: invalid listing type %q", ErrBadPayload, l.Type)
	}

	if l.Category != "" && !slices.Contains(Categories, l.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrBadPayload, l.Category)
	}

	switch l.Status {
	case ListingOpen, ListingClosed:
	case "":
		l.Status = ListingOpen
	default:
		return fmt.Errorf("%w: invalid listing status %q", ErrBadPayload, l.Status)
	}

	if l.Availability == nil {
		l.Availability = Attributes{}
	}
	return nil
}

// ValidateListingStatus validates a status update. Closed is terminal, so only closing is allowed.
func ValidateListingStatus(u *ListingStatusUpdate) error {
	id, err := NormalizeID("id", u.ID)
	if err != nil {
		return err
	}
	u.ID = id
	if u.Status != ListingClosed {
		return fmt.Errorf("%w: status can only move to %q, got %q", ErrBadPayload, ListingClosed, u.Status)
	}
	return nil
}

// ValidateMessage normalizes and validates a message. A missing type defaults to chat.
func ValidateMessage(m *Message) error {
	var err error
	if m.ID, err = NormalizeID("id", m.ID); err != nil {
		return err
	}
	if m.ListingID, err = NormalizeID("listing_id", m.ListingID); err != nil {
		return err
	}
	if m.SenderID, err = NormalizeID("sender_id", m.SenderID); err != nil {
		return err
	}
	if m.ReceiverID, err = NormalizeID("receiver_id", m.ReceiverID); err != nil {
		return err
	}

	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrBadPayload)
	}
	if len(m.Content) > maxContentLen {
		return fmt.Errorf("%w: content longer than %d bytes", ErrBadPayload, maxContentLen)
	}

	switch m.Type {
	case MessageContact, MessageChat, MessageDeal, MessageRefuse:
	case "":
		m.Type = MessageChat
	default:
		return fmt.Errorf("%w: invalid message type %q", ErrBadPayload, m.Type)
	}
	return nil
}

// ValidateGalleryItem normalizes and validates a gallery item
func ValidateGalleryItem(g *GalleryItem) error {
	id, err := NormalizeID("id", g.ID)
	if err != nil {
		return err
	}
	g.ID = id
	g.PhotoURL = strings.TrimSpace(g.PhotoURL)
	if g.PhotoURL == "" {
		return fmt.Errorf("%w: photo_url is required", ErrBadPayload)
	}
	return nil
}
