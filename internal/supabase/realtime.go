package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
	realtimeProtocolVersion  = "1.0.0"

	eventJoin            = "phx_join"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventPostgresChanges = "postgres_changes"
	eventInsert          = "INSERT"
	phoenixTopic         = "phoenix"
)

var errJoinRejected = errors.New("supabase: realtime join rejected")

type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]bool   `json:"broadcast"`
	Presence        map[string]string `json:"presence"`
	PostgresChanges []changeFilter    `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data *struct {
		Type   string `json:"type"`
		Record row    `json:"record"`
	} `json:"data"`
	Type   string `json:"type"`
	Record *row   `json:"record"`
}

// Subscribe joins the realtime channel of the table and calls handler for every inserted row.
// The connection is re-established with exponential backoff until stop is called or ctx ends.
func (c *Client) Subscribe(ctx context.Context, handler func(messages.Message)) (func(), error) {
	if handler == nil {
		return nil, errors.New("supabase: realtime handler is required")
	}
	if _, err := c.realtimeURL(); err != nil {
		return nil, err
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runRealtime(subscriptionCtx, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// realtimeURL carries the current credential, so every dial builds it anew.
func (c *Client) realtimeURL() (string, error) {
	socketURL := *c.baseURL
	switch socketURL.Scheme {
	case "https":
		socketURL.Scheme = "wss"
	case "http":
		socketURL.Scheme = "ws"
	default:
		return "", fmt.Errorf("supabase: unsupported scheme %q", socketURL.Scheme)
	}
	socketURL.Path = strings.TrimRight(socketURL.Path, "/") + "/realtime/v1/websocket"
	credential, err := c.credential()
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("apikey", credential)
	query.Set("vsn", realtimeProtocolVersion)
	socketURL.RawQuery = query.Encode()
	return socketURL.String(), nil
}

func (c *Client) runRealtime(ctx context.Context, handler func(messages.Message)) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitialInterval
	policy.MaxInterval = reconnectMaxInterval

	for {
		joined, err := c.realtimeSession(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if joined {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		c.logger.Warn("realtime connection lost",
			zap.String("table", c.table),
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

// realtimeSession runs one websocket connection and reports whether the channel join succeeded.
func (c *Client) realtimeSession(ctx context.Context, handler func(messages.Message)) (bool, error) {
	socketURL, err := c.realtimeURL()
	if err != nil {
		return false, err
	}
	conn, _, err := c.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	topic := "realtime:public:" + c.table
	var ref int64
	nextRef := func() *string {
		ref++
		value := strconv.FormatInt(ref, 10)
		return &value
	}

	credential, err := c.credential()
	if err != nil {
		return false, err
	}
	join, err := json.Marshal(joinPayload{
		Config: joinConfig{
			Broadcast: map[string]bool{"self": false},
			Presence:  map[string]string{"key": ""},
			PostgresChanges: []changeFilter{
				{Event: eventInsert, Schema: "public", Table: c.table},
			},
		},
		AccessToken: credential,
	})
	if err != nil {
		return false, err
	}
	joinRef := nextRef()
	if err := conn.WriteJSON(phoenixMessage{Topic: topic, Event: eventJoin, Payload: join, Ref: joinRef}); err != nil {
		return false, err
	}

	frames := make(chan phoenixMessage)
	readErrors := make(chan error, 1)
	stopReading := make(chan struct{})
	defer close(stopReading)
	go func() {
		for {
			var frame phoenixMessage
			if err := conn.ReadJSON(&frame); err != nil {
				readErrors <- err
				return
			}
			select {
			case frames <- frame:
			case <-stopReading:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	joined := false
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return joined, ctx.Err()
		case err := <-readErrors:
			return joined, err
		case <-ticker.C:
			heartbeat := phoenixMessage{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: nextRef()}
			if err := conn.WriteJSON(heartbeat); err != nil {
				return joined, err
			}
		case frame := <-frames:
			if frame.Topic != topic {
				continue
			}
			switch frame.Event {
			case eventReply:
				if frame.Ref == nil || *frame.Ref != *joinRef {
					continue
				}
				var reply replyPayload
				if err := json.Unmarshal(frame.Payload, &reply); err != nil {
					return joined, err
				}
				if reply.Status != "ok" {
					return joined, fmt.Errorf("%w: %s", errJoinRejected, strings.TrimSpace(string(reply.Response)))
				}
				joined = true
				c.logger.Info("realtime channel joined", zap.String("topic", topic))
			case eventError, eventClose:
				return joined, fmt.Errorf("supabase: realtime channel %s closed by server (%s)", topic, frame.Event)
			case eventPostgresChanges, eventInsert:
				message, ok, err := decodeChange(frame.Payload)
				if err != nil {
					c.logger.Warn("discarding realtime payload", zap.String("topic", topic), zap.Error(err))
					continue
				}
				if ok {
					handler(message)
				}
			}
		}
	}
}

// decodeChange extracts an inserted row from either payload shape the realtime server emits.
func decodeChange(payload json.RawMessage) (messages.Message, bool, error) {
	var change changePayload
	if err := json.Unmarshal(payload, &change); err != nil {
		return messages.Message{}, false, err
	}
	var record *row
	switch {
	case change.Data != nil:
		if change.Data.Type != "" && change.Data.Type != eventInsert {
			return messages.Message{}, false, nil
		}
		record = &change.Data.Record
	case change.Record != nil:
		if change.Type != "" && change.Type != eventInsert {
			return messages.Message{}, false, nil
		}
		record = change.Record
	default:
		return messages.Message{}, false, nil
	}
	message, err := record.toMessage()
	if err != nil {
		return messages.Message{}, false, err
	}
	if message.ID.IsZero() {
		return messages.Message{}, false, errors.New("supabase: realtime record has no id")
	}
	return message, true, nil
}
