package supabase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

var errInvalidObjectKey = errors.New("supabase: invalid object key")

func (c *Client) objectPath(prefix, key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", errInvalidObjectKey
	}
	segments := strings.Split(trimmed, "/")
	for index, segment := range segments {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", errInvalidObjectKey, key)
		}
		segments[index] = url.PathEscape(segment)
	}
	return prefix + url.PathEscape(c.bucket) + "/" + strings.Join(segments, "/"), nil
}

// Upload stores data under key. Existing objects are never replaced.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := c.objectPath("/storage/v1/object/", key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(ctx, http.MethodPost, c.rawEndpoint(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", messages.ContentTypeFor(data, contentType))
	request.Header.Set("x-upsert", "false")
	request.Header.Set("Cache-Control", "max-age=3600")

	if err := c.do(request, nil); err != nil {
		if isDuplicateObject(err) {
			return fmt.Errorf("%w: %s", messages.ErrBlobExists, key)
		}
		return fmt.Errorf("supabase: upload %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// PublicURL returns the unauthenticated URL of an object in a public bucket.
func (c *Client) PublicURL(key string) (string, error) {
	path, err := c.objectPath("/storage/v1/object/public/", key)
	if err != nil {
		return "", err
	}
	return c.rawEndpoint(path), nil
}

// rawEndpoint joins an already escaped path onto the base URL.
func (c *Client) rawEndpoint(escapedPath string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + escapedPath
}

func isDuplicateObject(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	if apiError.Status == http.StatusConflict {
		return true
	}
	text := strings.ToLower(apiError.Message + " " + apiError.Code)
	return strings.Contains(text, "already exists") || strings.Contains(text, "duplicate")
}
