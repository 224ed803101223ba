package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

// timestampLayouts covers PostgREST output and the space separated form realtime payloads use.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type row struct {
	ID        messages.ID `json:"id"`
	Name      string      `json:"name"`
	Message   string      `json:"message"`
	Photo     *string     `json:"photo"`
	CreatedAt string      `json:"created_at"`
}

func (r row) toMessage() (messages.Message, error) {
	message := messages.Message{ID: r.ID, Name: r.Name, Body: r.Message}
	if r.Photo != nil {
		message.Photo = *r.Photo
	}
	if strings.TrimSpace(r.CreatedAt) != "" {
		createdAt, err := parseTimestamp(r.CreatedAt)
		if err != nil {
			return messages.Message{}, err
		}
		message.CreatedAt = createdAt
	}
	return message, nil
}

func parseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("supabase: unrecognized timestamp %q", value)
}

func toMessages(rows []row) ([]messages.Message, error) {
	list := make([]messages.Message, 0, len(rows))
	for _, r := range rows {
		message, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		list = append(list, message)
	}
	return list, nil
}

type insertRow struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Photo   string `json:"photo,omitempty"`
}

func (c *Client) tablePath() string {
	return "/rest/v1/" + url.PathEscape(c.table)
}

// Insert stores one row and returns the representation the database assigned.
func (c *Client) Insert(ctx context.Context, draft messages.Draft) (messages.Message, error) {
	if err := draft.Validate(); err != nil {
		return messages.Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := jsonBody([]insertRow{{Name: draft.Name, Message: draft.Body, Photo: draft.Photo}})
	if err != nil {
		return messages.Message{}, err
	}
	request, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.tablePath(), nil), body)
	if err != nil {
		return messages.Message{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Prefer", "return=representation")

	var rows []row
	if err := c.do(request, &rows); err != nil {
		return messages.Message{}, fmt.Errorf("supabase: insert into %s: %w", c.table, err)
	}
	if len(rows) == 0 {
		return messages.Message{}, errEmptyRepresentation
	}
	return rows[0].toMessage()
}

// UpdatePhoto sets the photo column of the row carrying id.
func (c *Client) UpdatePhoto(ctx context.Context, id messages.ID, photo string) (messages.Message, error) {
	if id.IsZero() {
		return messages.Message{}, messages.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := jsonBody(map[string]string{"photo": photo})
	if err != nil {
		return messages.Message{}, err
	}
	query := url.Values{}
	query.Set("id", "eq."+id.String())
	request, err := c.newRequest(ctx, http.MethodPatch, c.endpoint(c.tablePath(), query), body)
	if err != nil {
		return messages.Message{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Prefer", "return=representation")

	var rows []row
	if err := c.do(request, &rows); err != nil {
		return messages.Message{}, fmt.Errorf("supabase: update %s id %s: %w", c.table, id, err)
	}
	if len(rows) == 0 {
		return messages.Message{}, messages.ErrNotFound
	}
	return rows[0].toMessage()
}

// List returns every row ordered by created_at descending.
func (c *Client) List(ctx context.Context) ([]messages.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("select", "*")
	query.Set("order", "created_at.desc")
	request, err := c.newRequest(ctx, http.MethodGet, c.endpoint(c.tablePath(), query), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	var rows []row
	if err := c.do(request, &rows); err != nil {
		return nil, fmt.Errorf("supabase: list %s: %w", c.table, err)
	}
	list, err := toMessages(rows)
	if err != nil {
		return nil, err
	}
	// Rows sharing a timestamp keep the server's order.
	messages.SortNewestFirst(list)
	return list, nil
}
