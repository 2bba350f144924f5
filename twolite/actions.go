// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/jmt94800-wq/twokaj/twosync"
)

var (
	ErrNotSignedIn          = errors.New("not signed in")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrRequiresConnectivity = errors.New("requires connectivity")
	ErrForbidden            = errors.New("forbidden")
)

// Result of a write action. Queued is set when the write waits in the operation queue.
type Result struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// directWrite performs the online version of an action and returns the authoritative row
type directWrite func(ctx context.Context) (any, error)

// submit delivers op directly when the server is reachable and nothing is queued ahead of
// it; otherwise, or on a transient failure, it enqueues op. A permanent rejection is returned.
func (c *Client) submit(ctx context.Context, op Operation, direct directWrite) (Result, error) {
	res := Result{ID: op.EntityID}

	if direct != nil && c.Monitor.Online() {
		stats, err := c.Store.QueueStats(ctx)
		if err != nil {
			return res, err
		}
		if stats.Pending == 0 {
			row, err := direct(ctx)
			if err == nil {
				if row != nil {
					if err := c.Store.Put(ctx, row); err != nil {
						c.logger.Warn("Failed to cache server row", "kind", op.Kind, "entity_id", op.EntityID, "error", err)
					}
				}
				return res, nil
			}
			if !IsTransient(err) {
				return res, err
			}
			if isNetworkError(err) {
				c.Monitor.SetOnline(false)
			}
			c.logger.Info("Direct write failed; queueing", "kind", op.Kind, "entity_id", op.EntityID, "error", err)
		}
	}

	if err := c.Store.Enqueue(ctx, &op); err != nil {
		return res, err
	}
	res.Queued = true
	if c.Monitor.Online() {
		c.Engine.Wake()
	} else {
		c.Trigger.Register(ctx)
	}
	return res, nil
}

func (c *Client) session(ctx context.Context) (Session, error) {
	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrNotSignedIn
	}
	return sess, err
}

// Register creates an account. Offline, the account is cached, signed in without a token
// and queued for reconciliation.
func (c *Client) Register(ctx context.Context, u twosync.User) (Result, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	op, err := NewOperation(OpCreateUser, u)
	if err != nil {
		return Result{}, err
	}
	op.OwnerID = u.ID
	decoded, _ := op.Decode()
	user := *decoded.(*twosync.User)

	deviceID, err := c.DeviceID(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := c.Store.Put(ctx, user); err != nil {
		return Result{}, err
	}

	var token string
	res, err := c.submit(ctx, op, func(ctx context.Context) (any, error) {
		var resp twosync.RegisterResponse
		if err := c.do(ctx, http.MethodPost, "/api/auth/register", false, user, &resp); err != nil {
			return nil, err
		}
		token = resp.Token
		return resp.User, nil
	})
	if err != nil {
		_ = c.Store.Delete(ctx, CollectionUsers, user.ID)
		return res, err
	}

	if err := c.Store.SetCurrentUser(ctx, Session{UserID: user.ID, Token: token, DeviceID: deviceID}); err != nil {
		return res, err
	}
	if err := c.rememberToken(ctx, user.ID, token); err != nil {
		return res, err
	}
	c.logger.Info("Registered", "user_id", user.ID, "queued", res.Queued)
	return res, nil
}

// Login signs in with an email or pseudo. Offline, the credentials are checked against
// the cached account; an account never seen on this device requires connectivity.
func (c *Client) Login(ctx context.Context, login, password string) (twosync.User, error) {
	deviceID, err := c.DeviceID(ctx)
	if err != nil {
		return twosync.User{}, err
	}

	if c.Monitor.Online() {
		var resp twosync.LoginResponse
		req := twosync.LoginRequest{Login: login, Password: password, DeviceID: deviceID}
		err := c.do(ctx, http.MethodPost, "/api/auth/login", false, req, &resp)
		if err == nil {
			user := resp.User
			user.Password = password
			if err := c.Store.Put(ctx, user); err != nil {
				return twosync.User{}, err
			}
			if err := c.Store.SetCurrentUser(ctx, Session{UserID: user.ID, Token: resp.Token, DeviceID: deviceID}); err != nil {
				return twosync.User{}, err
			}
			if err := c.rememberToken(ctx, user.ID, resp.Token); err != nil {
				return twosync.User{}, err
			}
			c.logger.Info("Signed in", "user_id", user.ID)
			return user.Public(), nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return twosync.User{}, ErrInvalidCredentials
		}
		if !IsTransient(err) {
			return twosync.User{}, err
		}
		if isNetworkError(err) {
			c.Monitor.SetOnline(false)
		}
		c.logger.Info("Login request failed; trying cached account", "error", err)
	}

	return c.loginOffline(ctx, login, password, deviceID)
}

func (c *Client) loginOffline(ctx context.Context, login, password, deviceID string) (twosync.User, error) {
	user, err := c.Store.FindUserByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) || (err == nil && user.Password == "") {
		return twosync.User{}, ErrRequiresConnectivity
	}
	if err != nil {
		return twosync.User{}, err
	}
	if user.Password != password {
		return twosync.User{}, ErrInvalidCredentials
	}

	// Keep the token of a previous online session for the same account
	token, err := ownerCredentials{c: c}.Token(ctx, user.ID)
	if err != nil {
		return twosync.User{}, err
	}
	sess := Session{UserID: user.ID, Token: token, DeviceID: deviceID}
	if err := c.Store.SetCurrentUser(ctx, sess); err != nil {
		return twosync.User{}, err
	}
	c.logger.Info("Signed in offline", "user_id", user.ID)
	return user.Public(), nil
}

// Logout signs out. Queued operations stay queued and keep the token they are sent with.
func (c *Client) Logout(ctx context.Context) error {
	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return c.Store.ClearCurrentUser(ctx)
	}
	if err != nil {
		return err
	}
	pending, err := c.Store.HasPendingOwnedBy(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !pending {
		if err := c.Store.DeleteValue(ctx, tokenKey(sess.UserID)); err != nil {
			return err
		}
	}
	return c.Store.ClearCurrentUser(ctx)
}

// CreateListing publishes a listing by the signed-in user
func (c *Client) CreateListing(ctx context.Context, l twosync.Listing) (Result, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return Result{}, err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.UserID = sess.UserID
	l.Status = twosync.ListingOpen
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	op, err := NewOperation(OpCreateAd, l)
	if err != nil {
		return Result{}, err
	}
	op.OwnerID = sess.UserID
	decoded, _ := op.Decode()
	listing := *decoded.(*twosync.Listing)

	var author twosync.User
	if err := c.Store.Get(ctx, CollectionUsers, sess.UserID, &author); err == nil {
		listing.Pseudo = author.Pseudo
		listing.UserAddress = author.Address
	}
	if err := c.Store.Put(ctx, listing); err != nil {
		return Result{}, err
	}

	res, err := c.submit(ctx, op, c.authenticated(sess, func(ctx context.Context) (any, error) {
		var created twosync.Listing
		if err := c.do(ctx, http.MethodPost, "/api/listings", true, listing, &created); err != nil {
			return nil, err
		}
		return created, nil
	}))
	if err != nil {
		_ = c.Store.Delete(ctx, CollectionListings, listing.ID)
	}
	return res, err
}

// CloseListing closes a listing owned by the signed-in user. Closing is terminal.
func (c *Client) CloseListing(ctx context.Context, id string) (Result, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return Result{}, err
	}
	op, err := NewOperation(OpUpdateAdStatus, twosync.ListingStatusUpdate{ID: id, Status: twosync.ListingClosed})
	if err != nil {
		return Result{}, err
	}
	op.OwnerID = sess.UserID

	var cached twosync.Listing
	err = c.Store.Get(ctx, CollectionListings, op.EntityID, &cached)
	switch {
	case err == nil:
		if cached.UserID != sess.UserID {
			return Result{}, fmt.Errorf("%w: listing %s belongs to another user", ErrForbidden, op.EntityID)
		}
		previous := cached.Status
		cached.Status = twosync.ListingClosed
		if err := c.Store.Put(ctx, cached); err != nil {
			return Result{}, err
		}
		defer func() {
			if err != nil {
				cached.Status = previous
				_ = c.Store.Put(ctx, cached)
			}
		}()
	case !errors.Is(err, ErrNotFound):
		return Result{}, err
	}

	var res Result
	res, err = c.submit(ctx, op, c.authenticated(sess, func(ctx context.Context) (any, error) {
		var closed twosync.Listing
		path := "/api/listings/" + url.PathEscape(op.EntityID) + "/close"
		if err := c.do(ctx, http.MethodPatch, path, true, nil, &closed); err != nil {
			return nil, err
		}
		return closed, nil
	}))
	return res, err
}

// SendMessage sends a message about a listing from the signed-in user
func (c *Client) SendMessage(ctx context.Context, m twosync.Message) (Result, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return Result{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SenderID = sess.UserID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	op, err := NewOperation(OpSendMessage, m)
	if err != nil {
		return Result{}, err
	}
	op.OwnerID = sess.UserID
	decoded, _ := op.Decode()
	msg := *decoded.(*twosync.Message)

	var sender twosync.User
	if err := c.Store.Get(ctx, CollectionUsers, sess.UserID, &sender); err == nil {
		msg.SenderPseudo = sender.Pseudo
	}
	if err := c.Store.Put(ctx, msg); err != nil {
		return Result{}, err
	}

	res, err := c.submit(ctx, op, c.authenticated(sess, func(ctx context.Context) (any, error) {
		var sent twosync.Message
		if err := c.do(ctx, http.MethodPost, "/api/messages", true, msg, &sent); err != nil {
			return nil, err
		}
		return sent, nil
	}))
	if err != nil {
		_ = c.Store.Delete(ctx, CollectionMessages, msg.ID)
	}
	return res, err
}

// AddGalleryItem shares a community photo
func (c *Client) AddGalleryItem(ctx context.Context, g twosync.GalleryItem) (Result, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return Result{}, err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	op, err := NewOperation(OpCreateGalleryItem, g)
	if err != nil {
		return Result{}, err
	}
	op.OwnerID = sess.UserID
	decoded, _ := op.Decode()
	item := *decoded.(*twosync.GalleryItem)
	if err := c.Store.Put(ctx, item); err != nil {
		return Result{}, err
	}

	res, err := c.submit(ctx, op, c.authenticated(sess, func(ctx context.Context) (any, error) {
		var created twosync.GalleryItem
		if err := c.do(ctx, http.MethodPost, "/api/gallery", true, item, &created); err != nil {
			return nil, err
		}
		return created, nil
	}))
	if err != nil {
		_ = c.Store.Delete(ctx, CollectionGallery, item.ID)
	}
	return res, err
}

// authenticated disables the direct path for a session without a token, such as an
// account registered offline
func (c *Client) authenticated(sess Session, direct directWrite) directWrite {
	if sess.Token == "" {
		return nil
	}
	return direct
}
