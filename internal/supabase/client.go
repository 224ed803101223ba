package supabase

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

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultTable   = "messages"
	DefaultBucket  = "messages"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 * 1024
)

var (
	ErrInvalidClientConfig = errors.New("supabase: invalid client config")
	errMissingBaseURL      = errors.New("base url is required")
	errMissingCredentials  = errors.New("api key or jwt secret is required")
	errEmptyRepresentation = errors.New("supabase: response contained no rows")
)

// APIError is a non-success response from the REST or storage API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Message)
}

// Config bundles the settings of a hosted project.
type Config struct {
	BaseURL string
	// APIKey is sent as both apikey and bearer token. Anon keys suit clients, service keys the server.
	APIKey string
	// JWTSecret mints service_role tokens when no APIKey is configured.
	JWTSecret         string
	Table             string
	Bucket            string
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Client talks to the hosted table, storage bucket and realtime channel.
// It implements messages.Table, messages.BlobStore and messages.ChangeFeed.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	issuer     *ServiceTokenIssuer
	table      string
	bucket     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	timeout    time.Duration
	heartbeat  time.Duration
	logger     *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	rawBaseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("%w: base url %q must be an absolute http(s) url", ErrInvalidClientConfig, rawBaseURL)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	var issuer *ServiceTokenIssuer
	if apiKey == "" {
		secret := strings.TrimSpace(cfg.JWTSecret)
		if secret == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingCredentials)
		}
		issuer, err = NewServiceTokenIssuer(secret, 0, cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
		}
	}

	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}
	bucket := strings.Trim(strings.TrimSpace(cfg.Bucket), "/")
	if bucket == "" {
		bucket = DefaultBucket
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		issuer:     issuer,
		table:      table,
		bucket:     bucket,
		httpClient: httpClient,
		dialer:     dialer,
		timeout:    timeout,
		heartbeat:  heartbeat,
		logger:     logger,
	}, nil
}

func (c *Client) credential() (string, error) {
	if c.issuer != nil {
		return c.issuer.Token()
	}
	return c.apiKey, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	endpoint.RawPath = ""
	endpoint.RawQuery = ""
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	credential, err := c.credential()
	if err != nil {
		return nil, err
	}
	request.Header.Set("apikey", credential)
	request.Header.Set("Authorization", "Bearer "+credential)
	return request, nil
}

// do sends the request and decodes a JSON response into target when target is non-nil.
func (c *Client) do(request *http.Request, target any) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeAPIError(response)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func decodeAPIError(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Error   string `json:"error"`
	}
	apiError := &APIError{Status: response.StatusCode}
	if err := json.Unmarshal(raw, &payload); err == nil {
		apiError.Message = payload.Message
		apiError.Code = payload.Code
		if apiError.Code == "" {
			apiError.Code = payload.Error
		}
	}
	if apiError.Message == "" {
		apiError.Message = strings.TrimSpace(string(raw))
	}
	if apiError.Message == "" {
		apiError.Message = http.StatusText(response.StatusCode)
	}
	return apiError
}

func jsonBody(value any) (io.Reader, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(encoded), nil
}
