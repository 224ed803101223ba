package guestbook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	streamEventMessageInsert = "message-insert"
	streamPath               = "/messages/stream"
	maxStreamLineBytes       = 1 << 20
	streamInitialInterval    = 500 * time.Millisecond
	streamMaxInterval        = 30 * time.Second
)

var errStreamClosed = errors.New("guestbook: message stream closed")

type StreamClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// StreamClient follows the server's server-sent event stream and implements messages.ChangeFeed.
type StreamClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewStreamClient(cfg StreamClientConfig) (*StreamClient, error) {
	api, err := NewAPIClient(APIClientConfig{BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// The stream stays open indefinitely, so the client must not carry a request timeout.
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamClient{endpoint: api.BaseURL() + streamPath, httpClient: httpClient, logger: logger}, nil
}

// Subscribe calls handler for every message-insert event. The stream is reopened with exponential
// backoff until stop is called or ctx ends.
func (s *StreamClient) Subscribe(ctx context.Context, handler func(messages.Message)) (func(), error) {
	if handler == nil {
		return nil, errors.New("guestbook: stream handler is required")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(streamCtx, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *StreamClient) run(ctx context.Context, handler func(messages.Message)) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = streamInitialInterval
	policy.MaxInterval = streamMaxInterval

	for {
		connected, err := s.session(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if connected {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		s.logger.Warn("message stream lost",
			zap.String("endpoint", s.endpoint),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session reads one stream until it ends and reports whether the server accepted it.
func (s *StreamClient) session(ctx context.Context, handler func(messages.Message)) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, http.NoBody)
	if err != nil {
		return false, err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return false, fmt.Errorf("message stream returned %d", response.StatusCode)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	var (
		event string
		data  []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			s.dispatch(event, strings.Join(data, "\n"), handler)
			event, data = "", data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, errStreamClosed
}

func (s *StreamClient) dispatch(event, data string, handler func(messages.Message)) {
	if event != streamEventMessageInsert || data == "" {
		return
	}
	var message messages.Message
	if err := json.Unmarshal([]byte(data), &message); err != nil {
		s.logger.Warn("message stream event ignored",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	handler(message)
}
