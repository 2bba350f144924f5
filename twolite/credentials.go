// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmt94800-wq/twokaj/twosync"
)

func tokenKey(userID string) string {
	return "token:" + userID
}

// ownerCredentials keeps one token per account that signed in on this device, so queued
// writes go out as the account that made them whoever is signed in now
type ownerCredentials struct {
	c *Client
}

func (o ownerCredentials) Token(ctx context.Context, owner string) (string, error) {
	token, err := o.c.Store.Value(ctx, tokenKey(owner))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return token, err
}

// Renew signs owner in again with the password cached on this device. An account without
// a cached password, or whose password the server no longer accepts, yields "".
func (o ownerCredentials) Renew(ctx context.Context, owner string) (string, error) {
	c := o.c
	if err := c.forgetToken(ctx, owner); err != nil {
		return "", err
	}

	var user twosync.User
	err := c.Store.Get(ctx, CollectionUsers, owner, &user)
	if errors.Is(err, ErrNotFound) || (err == nil && user.Password == "") {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	deviceID, err := c.DeviceID(ctx)
	if err != nil {
		return "", err
	}

	login := user.Email
	if login == "" {
		login = user.Pseudo
	}
	var resp twosync.LoginResponse
	req := twosync.LoginRequest{Login: login, Password: user.Password, DeviceID: deviceID}
	err = c.do(ctx, http.MethodPost, "/api/auth/login", false, req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("Cached password rejected; queued operations wait for sign in", "user_id", owner)
		return "", nil
	}
	if err != nil {
		if isNetworkError(err) {
			c.Monitor.SetOnline(false)
		}
		return "", err
	}
	if err := c.rememberToken(ctx, owner, resp.Token); err != nil {
		return "", err
	}
	c.logger.Info("Token renewed", "user_id", owner)
	return resp.Token, nil
}

// rememberToken stores the token of userID and refreshes the session when userID is signed in
func (c *Client) rememberToken(ctx context.Context, userID, token string) error {
	if token == "" {
		return nil
	}
	if err := c.Store.SetValue(ctx, tokenKey(userID), token); err != nil {
		return err
	}
	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.UserID != userID || sess.Token == token {
		return nil
	}
	sess.Token = token
	return c.Store.SetCurrentUser(ctx, sess)
}

// forgetToken drops the token of userID, including from the session when userID is signed in
func (c *Client) forgetToken(ctx context.Context, userID string) error {
	if err := c.Store.DeleteValue(ctx, tokenKey(userID)); err != nil {
		return err
	}
	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.UserID != userID || sess.Token == "" {
		return nil
	}
	sess.Token = ""
	return c.Store.SetCurrentUser(ctx, sess)
}
