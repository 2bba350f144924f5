// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	stmtSelectUser = `
		SELECT id::text, name, pseudo, address, phone, email, categories, profile_photo, is_admin, created_at
		FROM users WHERE id = $1`

	stmtAuthenticate = `
		SELECT id::text, name, pseudo, address, phone, email, categories, profile_photo, is_admin, created_at
		FROM users
		WHERE (email = lower(@login) OR pseudo = @login) AND password = @password
		LIMIT 1`

	stmtSelectListings = `
		SELECT l.id::text, l.user_id::text, l.type, l.category, l.title, l.description, l.location,
		       l.start_date, l.end_date, l.availability, l.photo, l.status, l.created_at,
		       u.pseudo, u.address AS user_address
		FROM listings l
		JOIN users u ON u.id = l.user_id`

	stmtSelectMessages = `
		SELECT m.id::text, m.listing_id::text, m.sender_id::text, m.receiver_id::text,
		       m.content, m.type, m.created_at, u.pseudo AS sender_pseudo
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.sender_id = $1 OR m.receiver_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	stmtSelectGallery = `
		SELECT id::text, photo_url, description, created_at
		FROM gallery
		ORDER BY created_at DESC, id DESC`
)

// insertOnce runs a single-entity write inside a transaction and maps constraint failures to
// the store sentinels. It serves the direct endpoints.
func (s *Service) insertOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	err := s.runTx(ctx, func(tx pgx.Tx, _ int) error { return fn(tx) })
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrConflict, uniqueViolationError(err))
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: referenced entity does not exist", ErrFKMissing)
	default:
		return err
	}
}

// ensureAbsent returns ErrConflict when table already holds a row with id
func ensureAbsent(ctx context.Context, tx pgx.Tx, table, id string) error {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM " + pgx.Identifier{table}.Sanitize() + " WHERE id = $1)"
	if err := tx.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s %s", ErrConflict, strings.TrimSuffix(table, "s"), id)
	}
	return nil
}

// CreateUser registers a user. A missing id is assigned here.
// Returns ErrConflict when the pseudo, the email or the id is already taken.
func (s *Service) CreateUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.ID) == "" {
		u.ID = uuid.NewString()
	}
	if err := ValidateUser(&u); err != nil {
		return User{}, err
	}

	var out User
	err := s.insertOnce(ctx, func(tx pgx.Tx) error {
		if err := ensureAbsent(ctx, tx, "users", u.ID); err != nil {
			return err
		}
		var err error
		out, err = upsertUser(ctx, tx, u.ID, &u)
		return err
	})
	if err != nil {
		return User{}, err
	}
	s.publish(ctx, newEvent(EventUserRegistered, out.ID, out.ID, out.Public()))
	return out, nil
}

// Authenticate returns the user whose email or pseudo matches login and whose credential equals password
func (s *Service) Authenticate(ctx context.Context, login, password string) (User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	rows, err := s.pool.Query(ctx, stmtAuthenticate, pgx.NamedArgs{"login": login, "password": password})
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[User])
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	return u, err
}

// GetUser returns the public profile of a user
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id, err := NormalizeID("id", id)
	if err != nil {
		return User{}, err
	}
	rows, err := s.pool.Query(ctx, stmtSelectUser, id)
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[User])
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, err
}

// ListListings returns listings with their author projection, newest first.
// An empty filter status returns open listings only.
func (s *Service) ListListings(ctx context.Context, filter ListingFilter) ([]Listing, error) {
	var (
		where []string
		args  = pgx.NamedArgs{}
	)
	status := filter.Status
	if status == "" {
		status = ListingOpen
	}
	if status != "all" {
		where = append(where, "l.status = @status")
		args["status"] = status
	}
	if filter.Category != "" {
		where = append(where, "l.category = @category")
		args["category"] = filter.Category
	}
	if filter.Type != "" {
		where = append(where, "l.type = @type")
		args["type"] = filter.Type
	}
	if filter.Location != "" {
		where = append(where, "l.location ILIKE @location")
		args["location"] = "%" + filter.Location + "%"
	}
	if filter.UserID != "" {
		userID, err := NormalizeID("user_id", filter.UserID)
		if err != nil {
			return nil, err
		}
		where = append(where, "l.user_id = @user_id")
		args["user_id"] = userID
	}

	query := stmtSelectListings
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY l.created_at DESC, l.id DESC"

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	listings, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[Listing])
	if err != nil {
		return nil, fmt.Errorf("failed to scan listings: %w", err)
	}
	return listings, nil
}

// CreateListing publishes a listing on behalf of actorID. A missing id is assigned here.
// Returns ErrConflict when the id is already taken.
func (s *Service) CreateListing(ctx context.Context, actorID string, l Listing) (Listing, error) {
	if strings.TrimSpace(l.ID) == "" {
		l.ID = uuid.NewString()
	}
	if l.UserID == "" {
		l.UserID = actorID
	}
	if err := ValidateListing(&l); err != nil {
		return Listing{}, err
	}
	if actorID != "" && l.UserID != actorID {
		return Listing{}, fmt.Errorf("%w: listing must be owned by the caller", ErrForbidden)
	}

	var out Listing
	err := s.insertOnce(ctx, func(tx pgx.Tx) error {
		if err := ensureAbsent(ctx, tx, "listings", l.ID); err != nil {
			return err
		}
		var err error
		out, err = upsertListing(ctx, tx, &l)
		return err
	})
	if err != nil {
		return Listing{}, err
	}
	s.publish(ctx, newEvent(EventListingCreated, out.ID, actorID, out))
	return out, nil
}

// CloseListing closes a listing owned by actorID. Closing twice is not an error.
func (s *Service) CloseListing(ctx context.Context, actorID, id string) (Listing, error) {
	id, err := NormalizeID("id", id)
	if err != nil {
		return Listing{}, err
	}

	var out Listing
	err = s.insertOnce(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = closeListing(ctx, tx, actorID, id)
		return err
	})
	if err != nil {
		return Listing{}, err
	}
	s.publish(ctx, newEvent(EventListingClosed, out.ID, actorID, out))
	return out, nil
}

// ListMessages returns every message sent or received by userID, oldest first
func (s *Service) ListMessages(ctx context.Context, userID string) ([]Message, error) {
	userID, err := NormalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, stmtSelectMessages, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[Message])
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	return messages, nil
}

// CreateMessage sends a message on behalf of actorID. A missing id is assigned here.
// Returns ErrFKMissing when the listing or one of the users does not exist and ErrConflict
// when the id is already taken.
func (s *Service) CreateMessage(ctx context.Context, actorID string, m Message) (Message, error) {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.SenderID == "" {
		m.SenderID = actorID
	}
	if err := ValidateMessage(&m); err != nil {
		return Message{}, err
	}
	if actorID != "" && m.SenderID != actorID {
		return Message{}, fmt.Errorf("%w: message must be sent by the caller", ErrForbidden)
	}

	var out Message
	err := s.insertOnce(ctx, func(tx pgx.Tx) error {
		if err := ensureAbsent(ctx, tx, "messages", m.ID); err != nil {
			return err
		}
		var err error
		out, err = upsertMessage(ctx, tx, &m)
		return err
	})
	if err != nil {
		return Message{}, err
	}
	s.publish(ctx, newEvent(EventMessageSent, out.ID, actorID, out))
	return out, nil
}

// ListGallery returns all gallery items, newest first
func (s *Service) ListGallery(ctx context.Context) ([]GalleryItem, error) {
	rows, err := s.pool.Query(ctx, stmtSelectGallery)
	if err != nil {
		return nil, fmt.Errorf("failed to query gallery: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[GalleryItem])
	if err != nil {
		return nil, fmt.Errorf("failed to scan gallery: %w", err)
	}
	return items, nil
}

// CreateGalleryItem adds a community photo. A missing id is assigned here.
// Returns ErrConflict when the id is already taken.
func (s *Service) CreateGalleryItem(ctx context.Context, g GalleryItem) (GalleryItem, error) {
	if strings.TrimSpace(g.ID) == "" {
		g.ID = uuid.NewString()
	}
	if err := ValidateGalleryItem(&g); err != nil {
		return GalleryItem{}, err
	}

	var out GalleryItem
	err := s.insertOnce(ctx, func(tx pgx.Tx) error {
		if err := ensureAbsent(ctx, tx, "gallery", g.ID); err != nil {
			return err
		}
		var err error
		out, err = upsertGalleryItem(ctx, tx, &g)
		return err
	})
	if err != nil {
		return GalleryItem{}, err
	}
	return out, nil
}
