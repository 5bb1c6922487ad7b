// Package transform projects change events into index documents,
// including denormalized fields resolved through read-through lookups.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/pkg/types"
)

// UserSnapshot is the denormalized author block embedded in post and
// comment documents.
type UserSnapshot struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	IsVerified bool   `json:"is_verified"`
}

// LookupClient performs point lookups against the originating data
// store's read API. A lookup that cannot complete returns a retryable
// TRANSFORM:DEPENDENCY_UNAVAILABLE error; a row that simply does not
// exist returns found=false with no error.
type LookupClient interface {
	UserSnapshot(ctx context.Context, userID int64) (*UserSnapshot, bool, error)
	UserRow(ctx context.Context, userID int64) (*types.UserRow, bool, error)
	PostRow(ctx context.Context, postID int64) (*types.PostRow, bool, error)
	CommentRow(ctx context.Context, commentID int64) (*types.CommentRow, bool, error)
}

// HTTPLookupClient resolves lookups against the read API of the source
// data service.
type HTTPLookupClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLookupClient creates a lookup client for the given base URL.
func NewHTTPLookupClient(baseURL string, timeout time.Duration) *HTTPLookupClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLookupClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPLookupClient) UserSnapshot(ctx context.Context, userID int64) (*UserSnapshot, bool, error) {
	row, found, err := c.UserRow(ctx, userID)
	if err != nil || !found {
		return nil, found, err
	}
	return &UserSnapshot{
		ID:         row.ID,
		Username:   row.Username,
		FullName:   row.FullName,
		IsVerified: row.IsVerified,
	}, true, nil
}

func (c *HTTPLookupClient) UserRow(ctx context.Context, userID int64) (*types.UserRow, bool, error) {
	var row types.UserRow
	found, err := c.get(ctx, fmt.Sprintf("/v1/users/%d", userID), &row)
	if err != nil || !found {
		return nil, found, err
	}
	return &row, true, nil
}

func (c *HTTPLookupClient) PostRow(ctx context.Context, postID int64) (*types.PostRow, bool, error) {
	var row types.PostRow
	found, err := c.get(ctx, fmt.Sprintf("/v1/posts/%d", postID), &row)
	if err != nil || !found {
		return nil, found, err
	}
	return &row, true, nil
}

func (c *HTTPLookupClient) CommentRow(ctx context.Context, commentID int64) (*types.CommentRow, bool, error) {
	var row types.CommentRow
	found, err := c.get(ctx, fmt.Sprintf("/v1/comments/%d", commentID), &row)
	if err != nil || !found {
		return nil, found, err
	}
	return &row, true, nil
}

// get fetches a JSON resource. 404 means not found; any transport error
// or non-2xx status is a retryable dependency failure.
func (c *HTTPLookupClient) get(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, errors.NewInternalError("failed to build lookup request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.NewTransformError(errors.CodeDependencyUnavailable,
			fmt.Sprintf("lookup %s failed", path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, errors.NewTransformError(errors.CodeDependencyUnavailable,
			fmt.Sprintf("lookup %s returned status %d", path, resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, errors.NewTransformError(errors.CodeDependencyUnavailable,
			fmt.Sprintf("lookup %s returned unreadable body", path), err)
	}
	return true, nil
}
