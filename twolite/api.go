// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/jmt94800-wq/twokaj/twosync"
)

// APIError is a non-2xx server response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d (%s)", e.StatusCode, e.Code)
}

// Transient reports whether retrying the same request later can succeed.
// A dangling reference may resolve once the parent is delivered.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusUnprocessableEntity && e.Code == twosync.ReasonFKMissing:
		return true
	default:
		return false
	}
}

// IsTransient classifies a request error. Transport failures and timeouts are transient;
// validation errors and 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// isNetworkError reports a failure to reach the server at all
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

// do sends a JSON request. When authenticated is set, the session token is attached if one exists.
func (c *Client) do(ctx context.Context, method, path string, authenticated bool, body, out any) error {
	var token string
	if authenticated {
		var err error
		if token, err = c.token(ctx); err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
	}
	return c.doWithToken(ctx, method, path, token, body, out)
}

// doWithToken sends a JSON request with an explicit bearer token; "" sends none
func (c *Client) doWithToken(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope twosync.ErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			apiErr.Code = envelope.Error
			apiErr.Message = envelope.Message
		} else {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// token returns the session token, or "" for an anonymous or offline-only session
func (c *Client) token(ctx context.Context) (string, error) {
	sess, err := c.Store.CurrentUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}

func (c *Client) sendSyncBatch(ctx context.Context, token string, req *twosync.SyncBatchRequest) (*twosync.SyncBatchResponse, error) {
	var resp twosync.SyncBatchResponse
	if err := c.doWithToken(ctx, http.MethodPost, "/sync-batch", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) probeHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", false, nil, nil)
}
