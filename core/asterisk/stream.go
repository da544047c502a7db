package asterisk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ari-core/core/events"
)

// Connect opens the websocket event stream for the configured application.
// The stream lives until ctx is cancelled, Close is called, or the server
// ends the connection; pass the same ctx the dispatch loop runs under.
func (c *Client) Connect(ctx context.Context) (*EventStream, error) {
	streamURL, err := websocketURL(c.config)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	stream := &EventStream{conn: conn, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

func websocketURL(config Config) (string, error) {
	streamURL, err := url.Parse(config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url: %w", err)
	}

	switch streamURL.Scheme {
	case "http":
		streamURL.Scheme = "ws"
	case "https":
		streamURL.Scheme = "wss"
	}
	streamURL.Path = strings.TrimSuffix(streamURL.Path, "/") + "/events"

	query := streamURL.Query()
	query.Set("app", config.Application)
	if config.Username != "" {
		query.Set("api_key", config.Username+":"+config.Password)
	}
	streamURL.RawQuery = query.Encode()

	return streamURL.String(), nil
}

// EventStream reads server-pushed events off the websocket and decodes them
// into event records, in arrival order.
type EventStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	done      chan struct{}
}

// Next blocks until the next decoded event. It returns io.EOF when the
// server closed the stream cleanly and the read error otherwise. Messages
// that do not decode into an event are logged and skipped.
func (s *EventStream) Next(ctx context.Context) (events.Event, error) {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return events.Event{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return events.Event{}, io.EOF
			}
			return events.Event{}, fmt.Errorf("failed to read event stream message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		event, err := decodeEvent(msg)
		if err != nil {
			logger.Warn("skipping undecodable event message", "error", err)
			continue
		}
		return event, nil
	}
}

func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// referenceRoles lists the envelope fields that carry resource objects, in
// the order refs are extracted.
var referenceRoles = []events.Role{
	events.RoleChannel,
	events.RoleBridge,
	events.RolePlayback,
	events.RolePeer,
}

// timestampLayouts covers RFC3339 and the endpoint's zone format without a
// colon.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
}

// decodeEvent maps one JSON envelope to an event record: the "type" field
// becomes the kind, resource objects under known roles become refs, and the
// whole envelope stays available as the payload.
func decodeEvent(raw []byte) (events.Event, error) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	kind, ok := envelope["type"].(string)
	if !ok || kind == "" {
		return events.Event{}, errors.New("event envelope has no type")
	}

	opts := []events.Option{events.WithPayload(envelope)}
	if stamp, ok := envelope["timestamp"].(string); ok {
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, stamp); err == nil {
				opts = append(opts, events.WithTimestamp(parsed))
				break
			}
		}
	}

	for _, role := range referenceRoles {
		object, ok := envelope[string(role)].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := object["id"].(string); ok && id != "" {
			opts = append(opts, events.WithRef(role, id))
		}
	}

	return events.New(events.Kind(kind), opts...), nil
}
