// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// User is a marketplace member. Password is an opaque credential compared for equality.
type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Pseudo       string    `json:"pseudo" db:"pseudo"`
	Address      string    `json:"address" db:"address"`
	Phone        string    `json:"phone" db:"phone"`
	Email        string    `json:"email" db:"email"`
	Password     string    `json:"password,omitempty" db:"password"`
	Categories   Strings   `json:"categories" db:"categories"`
	ProfilePhoto string    `json:"profile_photo" db:"profile_photo"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Public returns a copy of the user without the credential
func (u User) Public() User {
	u.Password = ""
	return u
}

// Listing is an offer or a request published by a user.
// Pseudo and UserAddress are read projections of the author.
type Listing struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id" db:"user_id"`
	Type         string     `json:"type" db:"type"`
	Category     string     `json:"category" db:"category"`
	Title        string     `json:"title" db:"title"`
	Description  string     `json:"description" db:"description"`
	Location     string     `json:"location" db:"location"`
	StartDate    string     `json:"start_date" db:"start_date"`
	EndDate      string     `json:"end_date" db:"end_date"`
	Availability Attributes `json:"availability" db:"availability"`
	Photo        string     `json:"photo" db:"photo"`
	Status       string     `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	Pseudo       string     `json:"pseudo,omitempty" db:"pseudo"`
	UserAddress  string     `json:"user_address,omitempty" db:"user_address"`
}

// ListingStatusUpdate changes the lifecycle state of an existing listing
type ListingStatusUpdate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Message is exchanged between two users about a listing.
// SenderPseudo is a read projection.
type Message struct {
	ID           string    `json:"id" db:"id"`
	ListingID    string    `json:"listing_id" db:"listing_id"`
	SenderID     string    `json:"sender_id" db:"sender_id"`
	ReceiverID   string    `json:"receiver_id" db:"receiver_id"`
	Content      string    `json:"content" db:"content"`
	Type         string    `json:"type" db:"type"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	SenderPseudo string    `json:"sender_pseudo,omitempty" db:"sender_pseudo"`
}

// GalleryItem is a community photo
type GalleryItem struct {
	ID          string    `json:"id" db:"id"`
	PhotoURL    string    `json:"photo_url" db:"photo_url"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Strings is a list of strings persisted as a JSON array
type Strings []string

// Value implements driver.Valuer
func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *Strings) Scan(src any) error {
	raw, err := jsonSource(src)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*s = Strings{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan strings: %w", err)
	}
	*s = out
	return nil
}

// Attributes is a free-form JSON object
type Attributes map[string]any

// Value implements driver.Valuer
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *Attributes) Scan(src any) error {
	raw, err := jsonSource(src)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*a = Attributes{}
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan attributes: %w", err)
	}
	*a = out
	return nil
}

func jsonSource(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON source type %T", src)
	}
}
