// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/jmt94800-wq/twokaj/twolite/migrations"
	"github.com/jmt94800-wq/twokaj/twosync"
)

// Local collections
const (
	CollectionUsers    = "users"
	CollectionListings = "listings"
	CollectionMessages = "messages"
	CollectionGallery  = "gallery"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// collection describes a cached entity table. keepIfEmpty columns are projections that
// server write acknowledgements do not carry; an empty incoming value keeps the cached one.
type collection struct {
	name        string
	columns     []string
	keepIfEmpty []string
	orderBy     string
}

var collections = map[string]collection{
	CollectionUsers: {
		name:        CollectionUsers,
		columns:     []string{"id", "name", "pseudo", "address", "phone", "email", "password", "categories", "profile_photo", "is_admin", "created_at"},
		keepIfEmpty: []string{"password"},
		orderBy:     "created_at DESC, id DESC",
	},
	CollectionListings: {
		name: CollectionListings,
		columns: []string{"id", "user_id", "type", "category", "title", "description", "location", "start_date", "end_date",
			"availability", "photo", "status", "created_at", "pseudo", "user_address"},
		keepIfEmpty: []string{"pseudo", "user_address"},
		orderBy:     "created_at DESC, id DESC",
	},
	CollectionMessages: {
		name:        CollectionMessages,
		columns:     []string{"id", "listing_id", "sender_id", "receiver_id", "content", "type", "created_at", "sender_pseudo"},
		keepIfEmpty: []string{"sender_pseudo"},
		orderBy:     "created_at ASC, id ASC",
	},
	CollectionGallery: {
		name:    CollectionGallery,
		columns: []string{"id", "photo_url", "description", "created_at"},
		orderBy: "created_at DESC, id DESC",
	},
}

func (c collection) upsertSQL() string {
	params := make([]string, len(c.columns))
	var sets []string
	for i, col := range c.columns {
		params[i] = ":" + col
		if col == "id" {
			continue
		}
		if containsString(c.keepIfEmpty, col) {
			sets = append(sets, fmt.Sprintf("%[1]s = CASE WHEN excluded.%[1]s = '' THEN %[2]s.%[1]s ELSE excluded.%[1]s END", col, c.name))
			continue
		}
		sets = append(sets, fmt.Sprintf("%[1]s = excluded.%[1]s", col))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		c.name, strings.Join(c.columns, ", "), strings.Join(params, ", "), strings.Join(sets, ", "))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Store is the on-device durable store: a cache of server rows plus the operation queue.
// Every method runs in a single SQLite transaction or statement.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the SQLite database at path. ":memory:" gives a private in-memory store.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	} else {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	store, err := NewStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an open database and brings its schema up to date
func NewStore(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Single writer connection; this also keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	provider, err := goose.NewProvider(goose.DialectSQLite3, db.DB, migrations.Migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// collectionOf resolves the collection of a cached entity value or pointer
func collectionOf(entity any) (collection, any, error) {
	switch e := entity.(type) {
	case twosync.User:
		return collections[CollectionUsers], &e, nil
	case *twosync.User:
		return collections[CollectionUsers], e, nil
	case twosync.Listing:
		return collections[CollectionListings], &e, nil
	case *twosync.Listing:
		return collections[CollectionListings], e, nil
	case twosync.Message:
		return collections[CollectionMessages], &e, nil
	case *twosync.Message:
		return collections[CollectionMessages], e, nil
	case twosync.GalleryItem:
		return collections[CollectionGallery], &e, nil
	case *twosync.GalleryItem:
		return collections[CollectionGallery], e, nil
	default:
		return collection{}, nil, fmt.Errorf("%w: unsupported entity type %T", ErrValidation, entity)
	}
}

// Put upserts an entity into its collection by primary key
func (s *Store) Put(ctx context.Context, entity any) error {
	coll, arg, err := collectionOf(entity)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, coll.upsertSQL(), arg); err != nil {
		return fmt.Errorf("failed to put into %s: %w", coll.name, err)
	}
	return nil
}

// Get loads one cached entity into dest
func (s *Store) Get(ctx context.Context, name, id string, dest any) error {
	coll, ok := collections[name]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(coll.columns, ", "), coll.name)
	err := s.db.GetContext(ctx, dest, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, name, id)
	}
	return err
}

// GetAll loads a whole cached collection into dest, a pointer to a slice
func (s *Store) GetAll(ctx context.Context, name string, dest any) error {
	coll, ok := collections[name]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(coll.columns, ", "), coll.name, coll.orderBy)
	return s.db.SelectContext(ctx, dest, query)
}

// Delete removes a cached entity; a missing row is not an error
func (s *Store) Delete(ctx context.Context, name, id string) error {
	coll, ok := collections[name]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, name)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM "+coll.name+" WHERE id = ?", id)
	return err
}

// Listings returns cached listings matching filter, newest first. An empty status means open.
func (s *Store) Listings(ctx context.Context, filter twosync.ListingFilter) ([]twosync.Listing, error) {
	coll := collections[CollectionListings]
	var (
		where []string
		args  []any
	)
	status := filter.Status
	if status == "" {
		status = twosync.ListingOpen
	}
	if status != "all" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Location != "" {
		where = append(where, "location LIKE ?")
		args = append(args, "%"+filter.Location+"%")
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := fmt.Sprintf("SELECT %s FROM listings", strings.Join(coll.columns, ", "))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + coll.orderBy

	listings := []twosync.Listing{}
	if err := s.db.SelectContext(ctx, &listings, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	return listings, nil
}

// Messages returns cached messages sent or received by userID, oldest first
func (s *Store) Messages(ctx context.Context, userID string) ([]twosync.Message, error) {
	coll := collections[CollectionMessages]
	query := fmt.Sprintf("SELECT %s FROM messages WHERE sender_id = ? OR receiver_id = ? ORDER BY %s",
		strings.Join(coll.columns, ", "), coll.orderBy)
	messages := []twosync.Message{}
	if err := s.db.SelectContext(ctx, &messages, query, userID, userID); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

// Users returns all cached users
func (s *Store) Users(ctx context.Context) ([]twosync.User, error) {
	users := []twosync.User{}
	if err := s.GetAll(ctx, CollectionUsers, &users); err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return users, nil
}

// Gallery returns all cached gallery items, newest first
func (s *Store) Gallery(ctx context.Context) ([]twosync.GalleryItem, error) {
	items := []twosync.GalleryItem{}
	if err := s.GetAll(ctx, CollectionGallery, &items); err != nil {
		return nil, fmt.Errorf("failed to query gallery: %w", err)
	}
	return items, nil
}

// FindUserByLogin returns the cached user whose email or pseudo equals login
func (s *Store) FindUserByLogin(ctx context.Context, login string) (twosync.User, error) {
	coll := collections[CollectionUsers]
	query := fmt.Sprintf("SELECT %s FROM users WHERE email = lower(?) OR pseudo = ? LIMIT 1", strings.Join(coll.columns, ", "))
	var u twosync.User
	err := s.db.GetContext(ctx, &u, query, login, login)
	if errors.Is(err, sql.ErrNoRows) {
		return twosync.User{}, fmt.Errorf("%w: user %s", ErrNotFound, login)
	}
	return u, err
}

// ReplaceAll atomically replaces a collection with a server snapshot. Entities referenced
// by a pending operation keep their cached row, and a cached closed listing stays closed.
func (s *Store) ReplaceAll(ctx context.Context, name string, entities any) error {
	coll, ok := collections[name]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrValidation, name)
	}
	rows, err := snapshotRows(name, entities)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		pending, err := pendingEntityIDs(ctx, tx)
		if err != nil {
			return err
		}

		closed := map[string]struct{}{}
		if name == CollectionListings {
			var ids []string
			if err := tx.SelectContext(ctx, &ids, `SELECT id FROM listings WHERE status = ?`, twosync.ListingClosed); err != nil {
				return fmt.Errorf("failed to read closed listings: %w", err)
			}
			for _, id := range ids {
				closed[id] = struct{}{}
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE id NOT IN (SELECT entity_id FROM operations WHERE state = 'pending')`, coll.name)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", coll.name, err)
		}

		stmt := coll.upsertSQL()
		skipped := 0
		for _, row := range rows {
			if _, ok := pending[row.id]; ok {
				skipped++
				continue
			}
			if l, ok := row.arg.(*twosync.Listing); ok {
				if _, wasClosed := closed[l.ID]; wasClosed {
					l.Status = twosync.ListingClosed
				}
			}
			if _, err := tx.NamedExecContext(ctx, stmt, row.arg); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", coll.name, err)
			}
		}
		s.logger.Debug("Replaced collection", "collection", coll.name, "rows", len(rows), "skipped_pending", skipped)
		return nil
	})
}

type snapshotRow struct {
	id  string
	arg any
}

func snapshotRows(name string, entities any) ([]snapshotRow, error) {
	var rows []snapshotRow
	switch list := entities.(type) {
	case []twosync.User:
		for i := range list {
			rows = append(rows, snapshotRow{id: list[i].ID, arg: &list[i]})
		}
	case []twosync.Listing:
		for i := range list {
			rows = append(rows, snapshotRow{id: list[i].ID, arg: &list[i]})
		}
	case []twosync.Message:
		for i := range list {
			rows = append(rows, snapshotRow{id: list[i].ID, arg: &list[i]})
		}
	case []twosync.GalleryItem:
		for i := range list {
			rows = append(rows, snapshotRow{id: list[i].ID, arg: &list[i]})
		}
	default:
		return nil, fmt.Errorf("%w: unsupported snapshot type %T", ErrValidation, entities)
	}
	for _, row := range rows {
		coll, _, err := collectionOf(row.arg)
		if err != nil {
			return nil, err
		}
		if coll.name != name {
			return nil, fmt.Errorf("%w: %s snapshot given for collection %s", ErrValidation, coll.name, name)
		}
	}
	return rows, nil
}

func pendingEntityIDs(ctx context.Context, tx *sqlx.Tx) (map[string]struct{}, error) {
	var ids []string
	if err := tx.SelectContext(ctx, &ids, `SELECT DISTINCT entity_id FROM operations WHERE state = 'pending'`); err != nil {
		return nil, fmt.Errorf("failed to read pending entities: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// Session is the signed-in user on this device. Token is empty for an offline-only session.
type Session struct {
	UserID   string `db:"user_id"`
	Token    string `db:"token"`
	DeviceID string `db:"device_id"`
}

// SetCurrentUser replaces the single current-user record
func (s *Store) SetCurrentUser(ctx context.Context, sess Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session (singleton, user_id, token, device_id) VALUES (1, :user_id, :token, :device_id)
		ON CONFLICT(singleton) DO UPDATE SET user_id = excluded.user_id, token = excluded.token, device_id = excluded.device_id`, sess)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// CurrentUser returns the current session, or ErrNotFound when signed out
func (s *Store) CurrentUser(ctx context.Context) (Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT user_id, token, device_id FROM session WHERE singleton = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: no signed-in user", ErrNotFound)
	}
	return sess, err
}

// ClearCurrentUser signs out and drops cached users that no pending operation refers to or belongs to
func (s *Store) ClearCurrentUser(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session`); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM users WHERE id NOT IN (
				SELECT entity_id FROM operations WHERE state = 'pending'
				UNION SELECT owner_id FROM operations WHERE state = 'pending')`); err != nil {
			return fmt.Errorf("failed to clear cached users: %w", err)
		}
		return nil
	})
}

// Value reads a key from the local key/value table
func (s *Store) Value(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return v, err
}

// SetValue writes a key to the local key/value table
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeleteValue removes a key; a missing key is not an error
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}
