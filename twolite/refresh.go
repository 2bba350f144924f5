// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmt94800-wq/twokaj/twosync"
)

// Refresh replaces the cached listings, gallery and, when signed in with a token, the
// user's messages with the server's current state. Entities with a pending operation
// keep their local version.
func (c *Client) Refresh(ctx context.Context) error {
	var listings []twosync.Listing
	if err := c.do(ctx, http.MethodGet, "/api/listings?status=all", false, nil, &listings); err != nil {
		return c.refreshFailed("listings", err)
	}
	if err := c.Store.ReplaceAll(ctx, CollectionListings, listings); err != nil {
		return err
	}

	var gallery []twosync.GalleryItem
	if err := c.do(ctx, http.MethodGet, "/api/gallery", false, nil, &gallery); err != nil {
		return c.refreshFailed("gallery", err)
	}
	if err := c.Store.ReplaceAll(ctx, CollectionGallery, gallery); err != nil {
		return err
	}

	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) || (err == nil && sess.Token == "") {
		c.logger.Debug("Refreshed cache", "listings", len(listings), "gallery", len(gallery))
		return nil
	}
	if err != nil {
		return err
	}

	var messages []twosync.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(sess.UserID), true, nil, &messages); err != nil {
		return c.refreshFailed("messages", err)
	}
	if err := c.Store.ReplaceAll(ctx, CollectionMessages, messages); err != nil {
		return err
	}

	c.logger.Debug("Refreshed cache", "listings", len(listings), "gallery", len(gallery), "messages", len(messages))
	return nil
}

func (c *Client) refreshFailed(what string, err error) error {
	if isNetworkError(err) {
		c.Monitor.SetOnline(false)
	}
	return fmt.Errorf("failed to refresh %s: %w", what, err)
}
