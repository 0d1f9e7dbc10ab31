package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quailyquaily/wamux/connection"
)

type bridgeServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	ws     *websocket.Conn
	frames chan clientFrame
}

func newBridgeServer(t *testing.T) *bridgeServer {
	t.Helper()
	b := &bridgeServer{t: t, frames: make(chan clientFrame, 16)}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/sessions/") || !strings.HasSuffix(r.URL.Path, "/ws") {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.ws = ws
		b.mu.Unlock()
		for {
			var frame clientFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			b.frames <- frame
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridgeServer) send(frame serverFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws == nil {
		b.t.Fatal("no websocket accepted yet")
	}
	if err := b.ws.WriteJSON(frame); err != nil {
		b.t.Fatalf("server write: %v", err)
	}
}

func (b *bridgeServer) next() clientFrame {
	select {
	case frame := <-b.frames:
		return frame
	case <-time.After(2 * time.Second):
		b.t.Fatal("timed out waiting for client frame")
		return clientFrame{}
	}
}

type eventSink struct {
	mu           sync.Mutex
	pairings     []string
	accounts     []string
	messages     []connection.Message
	disconnected []string
}

func (s *eventSink) events() connection.Events {
	return connection.Events{
		PairingChallenge: func(payload string) {
			s.mu.Lock()
			s.pairings = append(s.pairings, payload)
			s.mu.Unlock()
		},
		Ready: func(accountID string) {
			s.mu.Lock()
			s.accounts = append(s.accounts, accountID)
			s.mu.Unlock()
		},
		Message: func(msg connection.Message) {
			s.mu.Lock()
			s.messages = append(s.messages, msg)
			s.mu.Unlock()
		},
		Disconnected: func(reason string) {
			s.mu.Lock()
			s.disconnected = append(s.disconnected, reason)
			s.mu.Unlock()
		},
	}
}

func (s *eventSink) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ok := cond()
		s.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialTest(t *testing.T, srv *bridgeServer, sink *eventSink) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), "s1", sink.events(), Options{BaseURL: srv.srv.URL})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(conn.close)
	return conn
}

func TestInitializeSendsInitFrame(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	frame := srv.next()
	if frame.Type != "init" || frame.SessionID != "s1" {
		t.Fatalf("unexpected init frame: %+v", frame)
	}
}

func TestSendTextFrame(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	if err := conn.SendText(context.Background(), "222@c.us", "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	frame := srv.next()
	if frame.Type != "send_text" || frame.Target != "222@c.us" || frame.Text != "hello" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestSendMediaFrame(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	media := connection.Media{Data: []byte("mp3 bytes"), MimeType: "audio/mpeg"}
	if err := conn.SendMedia(context.Background(), "222@c.us", media, connection.SendMediaOptions{AsVoice: true}); err != nil {
		t.Fatalf("send media: %v", err)
	}
	frame := srv.next()
	if frame.Type != "send_media" || !frame.AsVoice || frame.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	data, err := base64.StdEncoding.DecodeString(frame.DataB64)
	if err != nil || string(data) != "mp3 bytes" {
		t.Fatalf("unexpected media payload: %q (%v)", frame.DataB64, err)
	}
}

func TestLifecycleEventsDispatch(t *testing.T) {
	srv := newBridgeServer(t)
	sink := &eventSink{}
	conn := dialTest(t, srv, sink)
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	srv.next()

	srv.send(serverFrame{Type: "qr", Payload: "qr-data"})
	sink.waitFor(t, "pairing event", func() bool { return len(sink.pairings) == 1 })
	if sink.pairings[0] != "qr-data" {
		t.Fatalf("unexpected pairing payload: %q", sink.pairings[0])
	}

	srv.send(serverFrame{Type: "ready", AccountID: "111"})
	sink.waitFor(t, "ready event", func() bool { return len(sink.accounts) == 1 })

	srv.send(serverFrame{Type: "message", From: "222@c.us", To: "111@c.us", Kind: "text", Body: "hi"})
	sink.waitFor(t, "message event", func() bool { return len(sink.messages) == 1 })
	msg := sink.messages[0]
	if msg.Kind != connection.KindText || msg.Body != "hi" || msg.Download != nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMessageMediaDownload(t *testing.T) {
	srv := newBridgeServer(t)
	sink := &eventSink{}
	dialTest(t, srv, sink)

	srv.send(serverFrame{
		Type: "message", From: "222@c.us", To: "111@c.us", Kind: "audio",
		MediaB64: base64.StdEncoding.EncodeToString([]byte("ogg bytes")),
		MimeType: "audio/ogg; codecs=opus",
	})
	sink.waitFor(t, "media message", func() bool { return len(sink.messages) == 1 })

	msg := sink.messages[0]
	if msg.Download == nil {
		t.Fatal("expected lazy media download")
	}
	media, err := msg.Download(context.Background())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(media.Data) != "ogg bytes" || media.MimeType != "audio/ogg; codecs=opus" {
		t.Fatalf("unexpected media: %+v", media)
	}
}

func TestStateRoundTrip(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	go func() {
		frame := srv.next()
		srv.send(serverFrame{Type: "state_result", RequestID: frame.RequestID, State: "CONNECTED"})
	}()

	state, err := conn.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state != connection.StateConnected {
		t.Fatalf("unexpected state: %q", state)
	}
}

func TestDestroyBusyMapsToErrBusy(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	go func() {
		frame := srv.next()
		srv.send(serverFrame{Type: "destroy_result", RequestID: frame.RequestID, Busy: true, Error: "client is busy"})
	}()

	if err := conn.Destroy(context.Background()); !errors.Is(err, connection.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestDestroyOKClosesSocket(t *testing.T) {
	srv := newBridgeServer(t)
	conn := dialTest(t, srv, &eventSink{})

	go func() {
		frame := srv.next()
		srv.send(serverFrame{Type: "destroy_result", RequestID: frame.RequestID, OK: true})
	}()

	if err := conn.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("socket must be closed after destroy")
	}
}

func TestServerDisconnectFiresEvent(t *testing.T) {
	srv := newBridgeServer(t)
	sink := &eventSink{}
	dialTest(t, srv, sink)

	srv.send(serverFrame{Type: "disconnected", Reason: "logged out"})
	sink.waitFor(t, "disconnect event", func() bool { return len(sink.disconnected) == 1 })
	if sink.disconnected[0] != "logged out" {
		t.Fatalf("unexpected reason: %q", sink.disconnected[0])
	}
}

func TestBuildSessionURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{name: "http rewrites to ws", base: "http://localhost:7071", want: "ws://localhost:7071/sessions/s1/ws"},
		{name: "https rewrites to wss", base: "https://bridge.example.com/base/", want: "wss://bridge.example.com/base/sessions/s1/ws"},
		{name: "ws kept", base: "ws://localhost:7071", want: "ws://localhost:7071/sessions/s1/ws"},
		{name: "empty rejected", base: "  ", wantErr: true},
		{name: "bad scheme rejected", base: "ftp://host", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buildSessionURL(tc.base, "s1")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
