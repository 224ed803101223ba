package guestbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

const (
	defaultAPITimeout = 20 * time.Second
	maxResponseBytes  = 32 << 20
)

var (
	ErrInvalidAPIConfig = errors.New("guestbook: invalid api client config")
	errEmptyResponse    = errors.New("guestbook: response contained no message")
)

// FallbackAPI is the server-mediated message endpoint.
type FallbackAPI interface {
	List(ctx context.Context) ([]messages.Message, error)
	Create(ctx context.Context, name, message, photo string) (messages.Message, error)
	AttachPhoto(ctx context.Context, id messages.ID, photo string) (messages.Message, error)
}

// APIError is a non-success response of the message endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("message endpoint returned %d: %s", e.Status, e.Message)
}

type APIClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIClient calls GET and POST /messages over HTTP.
type APIClient struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(baseURL)
	if baseURL == "" || err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: base url %q must be an absolute http(s) url", ErrInvalidAPIConfig, cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return &APIClient{endpoint: baseURL + "/messages", httpClient: httpClient, timeout: timeout}, nil
}

// BaseURL returns the server root the client talks to.
func (c *APIClient) BaseURL() string {
	return strings.TrimSuffix(c.endpoint, "/messages")
}

func (c *APIClient) List(ctx context.Context) ([]messages.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	raw, err := c.do(request)
	if err != nil {
		return nil, err
	}
	var list []messages.Message
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}
	if list == nil {
		list = []messages.Message{}
	}
	return list, nil
}

func (c *APIClient) Create(ctx context.Context, name, message, photo string) (messages.Message, error) {
	payload := struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Photo   string `json:"photo,omitempty"`
	}{Name: name, Message: message, Photo: photo}
	return c.post(ctx, payload)
}

func (c *APIClient) AttachPhoto(ctx context.Context, id messages.ID, photo string) (messages.Message, error) {
	payload := struct {
		ID    messages.ID `json:"id"`
		Photo string      `json:"photo"`
	}{ID: id, Photo: photo}
	return c.post(ctx, payload)
}

func (c *APIClient) post(ctx context.Context, payload any) (messages.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return messages.Message{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return messages.Message{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	raw, err := c.do(request)
	if err != nil {
		return messages.Message{}, err
	}
	return decodeSingleRow(raw)
}

func (c *APIClient) do(request *http.Request) ([]byte, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		apiError := &APIError{Status: response.StatusCode}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiError.Message = body.Error
		} else {
			apiError.Message = http.StatusText(response.StatusCode)
		}
		return nil, apiError
	}
	return raw, nil
}

// decodeSingleRow accepts a row or an array of rows and returns the first row.
func decodeSingleRow(raw []byte) (messages.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return messages.Message{}, errEmptyResponse
	}
	if trimmed[0] == '[' {
		var rows []messages.Message
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return messages.Message{}, fmt.Errorf("decode message rows: %w", err)
		}
		if len(rows) == 0 {
			return messages.Message{}, errEmptyResponse
		}
		return rows[0], nil
	}
	var row messages.Message
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return messages.Message{}, fmt.Errorf("decode message row: %w", err)
	}
	return row, nil
}
