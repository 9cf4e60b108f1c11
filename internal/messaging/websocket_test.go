package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/chatrelay/internal/session"
)

type gatewayScript func(ctx context.Context, t *testing.T, conn *websocket.Conn)

func newGateway(t *testing.T, script gatewayScript) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		script(r.Context(), t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readLogin(ctx context.Context, t *testing.T, conn *websocket.Conn) gatewayFrame {
	var login gatewayFrame
	if err := wsjson.Read(ctx, conn, &login); err != nil {
		t.Errorf("read login: %v", err)
	}
	return login
}

func TestWebsocketConnectorLoginAndEvents(t *testing.T) {
	sent := make(chan gatewayFrame, 1)
	url := newGateway(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		login := readLogin(ctx, t, conn)
		if string(login.Credentials) != `{"cookie":"abc"}` || login.DeviceID != "dev-1" {
			t.Errorf("unexpected login frame %+v", login)
		}
		_ = wsjson.Write(ctx, conn, gatewayFrame{Type: "login_ok", AccountID: "acct-1", DisplayName: "Shop"})
		_ = wsjson.Write(ctx, conn, gatewayFrame{Type: "message", Data: json.RawMessage(`{"msgId":"m1"}`)})
		var out gatewayFrame
		if err := wsjson.Read(ctx, conn, &out); err == nil {
			sent <- out
		}
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})

	connector := NewWebsocketConnector(WebsocketConnectorOptions{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connector.Connect(ctx, Credentials{Blob: json.RawMessage(`{"cookie":"abc"}`), DeviceID: "dev-1"})
	require.NoError(t, err)

	identity, err := conn.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, "acct-1", identity.AccountID)

	messages := make(chan Event, 1)
	closed := make(chan Event, 1)
	conn.On(EventMessage, func(ev Event) { messages <- ev })
	conn.On(EventClosed, func(ev Event) { closed <- ev })
	require.NoError(t, conn.Start())

	select {
	case ev := <-messages:
		require.JSONEq(t, `{"msgId":"m1"}`, string(ev.Payload))
	case <-ctx.Done():
		t.Fatal("timed out waiting for message event")
	}

	_, err = conn.Send(ctx, Content{Kind: ContentText, Text: "hi"}, "user-9", session.ThreadUser)
	require.NoError(t, err)
	select {
	case frame := <-sent:
		require.Equal(t, "send", frame.Type)
		require.Equal(t, "user-9", frame.TargetID)
		require.Equal(t, "hi", frame.Content.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for send frame")
	}

	select {
	case ev := <-closed:
		require.Equal(t, int(websocket.StatusGoingAway), ev.Code)
	case <-ctx.Done():
		t.Fatal("timed out waiting for close event")
	}
	_ = conn.Close()
}

func TestWebsocketConnectorRejectedLogin(t *testing.T) {
	url := newGateway(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		readLogin(ctx, t, conn)
		_ = wsjson.Write(ctx, conn, gatewayFrame{Type: "login_error", Code: "auth_rejected", Message: "cookie expired"})
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	connector := NewWebsocketConnector(WebsocketConnectorOptions{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := connector.Connect(ctx, Credentials{Blob: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketConnectorEmptyCredentials(t *testing.T) {
	connector := NewWebsocketConnector(WebsocketConnectorOptions{URL: "ws://127.0.0.1:1"})
	_, err := connector.Connect(context.Background(), Credentials{})
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketAuthCloseSurfacesAsError(t *testing.T) {
	url := newGateway(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		readLogin(ctx, t, conn)
		_ = wsjson.Write(ctx, conn, gatewayFrame{Type: "login_ok", AccountID: "acct-1"})
		_ = conn.Close(StatusAuthRejected, "logged in elsewhere")
	})
	connector := NewWebsocketConnector(WebsocketConnectorOptions{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connector.Connect(ctx, Credentials{Blob: json.RawMessage(`{}`)})
	require.NoError(t, err)

	errs := make(chan Event, 1)
	conn.On(EventError, func(ev Event) { errs <- ev })
	require.NoError(t, conn.Start())

	select {
	case ev := <-errs:
		require.ErrorIs(t, ev.Err, ErrAuthRejected)
	case <-ctx.Done():
		t.Fatal("timed out waiting for error event")
	}
	_ = conn.Close()
}
