package asterisk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ari-core/core/events"
)

func TestDecodeEventMapsEnvelopeFields(t *testing.T) {
	raw := []byte(`{
		"type": "StasisStart",
		"timestamp": "2026-08-27T10:15:30.123-0700",
		"application": "test-app",
		"channel": {"id": "c1", "state": "Ring", "name": "PJSIP/alice-0001"}
	}`)

	event, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("expected the envelope to decode, got %v", err)
	}

	if event.Kind() != events.KindStasisStart {
		t.Fatalf("expected StasisStart, got %q", event.Kind())
	}
	if id, ok := event.Ref(events.RoleChannel); !ok || id != "c1" {
		t.Fatalf("expected a channel ref to c1, got %q", id)
	}
	if event.Timestamp().IsZero() {
		t.Fatalf("expected the endpoint timestamp parsed")
	}
	if event.Timestamp().UTC().Hour() != 17 {
		t.Fatalf("expected the zone offset honored, got %v", event.Timestamp())
	}

	attrs := event.Attributes(events.RoleChannel)
	if attrs["state"] != "Ring" || attrs["name"] != "PJSIP/alice-0001" {
		t.Fatalf("expected the channel object as role attributes, got %v", attrs)
	}
	if application, ok := event.Field("application"); !ok || application != "test-app" {
		t.Fatalf("expected the whole envelope retained as payload, got %v", application)
	}
}

func TestDecodeEventRequiresType(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"channel": {"id": "c1"}}`)); err == nil {
		t.Fatalf("expected an envelope without a type to fail")
	}
}

func TestDecodeEventAcceptsUnknownTypes(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type": "SomethingNew", "detail": 42}`))
	if err != nil {
		t.Fatalf("expected an unknown type to decode, got %v", err)
	}
	if event.Kind() != events.Kind("SomethingNew") {
		t.Fatalf("expected the kind carried verbatim, got %q", event.Kind())
	}
}

func TestDecodeEventParsesRFC3339Timestamps(t *testing.T) {
	event, err := decodeEvent([]byte(`{"type": "ChannelCreated", "timestamp": "2026-08-27T10:15:30.5Z"}`))
	if err != nil {
		t.Fatalf("expected the envelope to decode, got %v", err)
	}
	want := time.Date(2026, 8, 27, 10, 15, 30, 500000000, time.UTC)
	if !event.Timestamp().Equal(want) {
		t.Fatalf("expected %v, got %v", want, event.Timestamp())
	}
}

func TestWebsocketURLDerivation(t *testing.T) {
	streamURL, err := websocketURL(Config{
		URL:         "http://pbx.local:8088/ari",
		Username:    "asterisk",
		Password:    "secret",
		Application: "test-app",
	})
	if err != nil {
		t.Fatalf("expected the url to derive, got %v", err)
	}

	if !strings.HasPrefix(streamURL, "ws://pbx.local:8088/ari/events?") {
		t.Fatalf("unexpected stream url %q", streamURL)
	}
	if !strings.Contains(streamURL, "app=test-app") {
		t.Fatalf("expected the application in the query, got %q", streamURL)
	}
	if !strings.Contains(streamURL, "api_key=asterisk%3Asecret") {
		t.Fatalf("expected the api key in the query, got %q", streamURL)
	}

	secure, err := websocketURL(Config{URL: "https://pbx.local/ari", Application: "test-app"})
	if err != nil {
		t.Fatalf("expected the secure url to derive, got %v", err)
	}
	if !strings.HasPrefix(secure, "wss://") {
		t.Fatalf("expected wss for an https endpoint, got %q", secure)
	}
}

func TestStreamDeliversEventsThenEOF(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dialed := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed <- r.URL.Query().Get("app")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "StasisStart", "channel": {"id": "c1"}}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL, Application: "test-app"})
	if err != nil {
		t.Fatalf("expected the client to build, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("expected the stream to connect, got %v", err)
	}
	defer stream.Close()

	select {
	case app := <-dialed:
		if app != "test-app" {
			t.Fatalf("expected the application in the dial query, got %q", app)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the dial")
	}

	event, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("expected the pushed event, got %v", err)
	}
	if event.Kind() != events.KindStasisStart {
		t.Fatalf("expected StasisStart, got %q", event.Kind())
	}

	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after the server's clean close, got %v", err)
	}
}
