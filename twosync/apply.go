// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const savepointItem = "sp_item"

const (
	stmtUpsertUser = `
		INSERT INTO users (id, name, pseudo, address, phone, email, password, categories, profile_photo, created_at)
		VALUES (@id, @name, @pseudo, @address, @phone, @email, @password, @categories, @profile_photo, @created_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			pseudo = EXCLUDED.pseudo,
			address = EXCLUDED.address,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			password = EXCLUDED.password,
			categories = EXCLUDED.categories,
			profile_photo = EXCLUDED.profile_photo
		WHERE @actor::text <> '' OR users.password = EXCLUDED.password
		RETURNING id::text, name, pseudo, address, phone, email, categories, profile_photo, is_admin, created_at`

	// A listing never changes owner, and closed is terminal: a replayed open-bearing
	// upsert keeps a closed listing closed.
	stmtUpsertListing = `
		INSERT INTO listings (id, user_id, type, category, title, description, location, start_date, end_date, availability, photo, status, created_at)
		VALUES (@id, @user_id, @type, @category, @title, @description, @location, @start_date, @end_date, @availability, @photo, @status, @created_at)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			category = EXCLUDED.category,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			availability = EXCLUDED.availability,
			photo = EXCLUDED.photo,
			status = CASE WHEN listings.status = 'closed' THEN 'closed' ELSE EXCLUDED.status END,
			updated_at = now()
		WHERE listings.user_id = EXCLUDED.user_id
		RETURNING id::text, user_id::text, type, category, title, description, location, start_date, end_date, availability, photo, status, created_at`

	stmtCloseListing = `
		UPDATE listings SET status = 'closed', updated_at = now()
		WHERE id = @id AND (@actor::text = '' OR user_id::text = @actor::text)
		RETURNING id::text, user_id::text, type, category, title, description, location, start_date, end_date, availability, photo, status, created_at`

	stmtUpsertMessage = `
		INSERT INTO messages (id, listing_id, sender_id, receiver_id, content, type, created_at)
		VALUES (@id, @listing_id, @sender_id, @receiver_id, @content, @type, @created_at)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			type = EXCLUDED.type
		WHERE messages.sender_id = EXCLUDED.sender_id
		RETURNING id::text, listing_id::text, sender_id::text, receiver_id::text, content, type, created_at`

	stmtUpsertGallery = `
		INSERT INTO gallery (id, photo_url, description, created_at)
		VALUES (@id, @photo_url, @description, @created_at)
		ON CONFLICT (id) DO UPDATE SET
			photo_url = EXCLUDED.photo_url,
			description = EXCLUDED.description
		RETURNING id::text, photo_url, description, created_at`
)

func createdAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// upsertUser returns ErrForbidden when an anonymous caller replays an existing account with
// a different credential
func upsertUser(ctx context.Context, tx pgx.Tx, actorID string, u *User) (User, error) {
	rows, err := tx.Query(ctx, stmtUpsertUser, pgx.NamedArgs{
		"actor":         actorID,
		"id":            u.ID,
		"name":          u.Name,
		"pseudo":        u.Pseudo,
		"address":       u.Address,
		"phone":         u.Phone,
		"email":         u.Email,
		"password":      u.Password,
		"categories":    u.Categories,
		"profile_photo": u.ProfilePhoto,
		"created_at":    createdAtOrNow(u.CreatedAt),
	})
	if err != nil {
		return User{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[User])
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s already exists", ErrForbidden, u.ID)
	}
	return row, err
}

// upsertListing returns ErrForbidden when the id belongs to another user's listing
func upsertListing(ctx context.Context, tx pgx.Tx, l *Listing) (Listing, error) {
	rows, err := tx.Query(ctx, stmtUpsertListing, pgx.NamedArgs{
		"id":           l.ID,
		"user_id":      l.UserID,
		"type":         l.Type,
		"category":     l.Category,
		"title":        l.Title,
		"description":  l.Description,
		"location":     l.Location,
		"start_date":   l.StartDate,
		"end_date":     l.EndDate,
		"availability": l.Availability,
		"photo":        l.Photo,
		"status":       l.Status,
		"created_at":   createdAtOrNow(l.CreatedAt),
	})
	if err != nil {
		return Listing{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[Listing])
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("%w: listing %s belongs to another user", ErrForbidden, l.ID)
	}
	return row, err
}

// listingOwner returns the owner of a listing, or "" when it does not exist
func listingOwner(ctx context.Context, tx pgx.Tx, id string) (string, error) {
	var owner string
	err := tx.QueryRow(ctx, `SELECT user_id::text FROM listings WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

// closeListing moves a listing to closed. An empty actorID skips the ownership check.
// Returns ErrNotFound for an unknown listing and ErrForbidden for a foreign one.
func closeListing(ctx context.Context, tx pgx.Tx, actorID, id string) (Listing, error) {
	rows, err := tx.Query(ctx, stmtCloseListing, pgx.NamedArgs{"id": id, "actor": actorID})
	if err != nil {
		return Listing{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[Listing])
	if !errors.Is(err, pgx.ErrNoRows) {
		return row, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Listing{}, err
	}
	if exists {
		return Listing{}, fmt.Errorf("%w: listing %s belongs to another user", ErrForbidden, id)
	}
	return Listing{}, fmt.Errorf("%w: listing %s", ErrNotFound, id)
}

// upsertMessage returns ErrForbidden when the id belongs to another sender's message
func upsertMessage(ctx context.Context, tx pgx.Tx, m *Message) (Message, error) {
	rows, err := tx.Query(ctx, stmtUpsertMessage, pgx.NamedArgs{
		"id":          m.ID,
		"listing_id":  m.ListingID,
		"sender_id":   m.SenderID,
		"receiver_id": m.ReceiverID,
		"content":     m.Content,
		"type":        m.Type,
		"created_at":  createdAtOrNow(m.CreatedAt),
	})
	if err != nil {
		return Message{}, err
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[Message])
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: message %s belongs to another sender", ErrForbidden, m.ID)
	}
	return row, err
}

func upsertGalleryItem(ctx context.Context, tx pgx.Tx, g *GalleryItem) (GalleryItem, error) {
	rows, err := tx.Query(ctx, stmtUpsertGallery, pgx.NamedArgs{
		"id":          g.ID,
		"photo_url":   g.PhotoURL,
		"description": g.Description,
		"created_at":  createdAtOrNow(g.CreatedAt),
	})
	if err != nil {
		return GalleryItem{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[GalleryItem])
}

// applyWithSavepoint runs one item's write inside a SAVEPOINT so that a per-item
// constraint failure leaves the rest of the kind's transaction usable. Errors that are
// not attributable to the item are returned and abort the whole kind.
func (s *Service) applyWithSavepoint(ctx context.Context, tx pgx.Tx, id string, apply func() (any, error)) (ItemStatus, error) {
	spIdent := pgx.Identifier{savepointItem}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+spIdent); err != nil {
		return ItemStatus{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	row, err := apply()
	if err == nil {
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+spIdent); err != nil {
			return ItemStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return statusApplied(id, row), nil
	}

	if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spIdent); rbErr != nil {
		return ItemStatus{}, fmt.Errorf("failed to roll back savepoint: %w (apply error: %v)", rbErr, err)
	}
	_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+spIdent)

	switch {
	case isUniqueViolation(err):
		return statusInvalidOther(id, ReasonUniqueViolation, uniqueViolationError(err)), nil
	case isForeignKeyViolation(err):
		return statusInvalidFKMissing(id, nil), nil
	case errors.Is(err, ErrForbidden):
		return statusInvalidOther(id, ReasonForbidden, err), nil
	case errors.Is(err, ErrNotFound):
		return statusInvalidFKMissing(id, []string{"listings:" + id}), nil
	default:
		return ItemStatus{}, fmt.Errorf("failed to apply %s: %w", id, err)
	}
}

func uniqueViolationError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return fmt.Errorf("duplicate value violates %s", pgErr.ConstraintName)
	}
	return errors.New("duplicate value")
}
