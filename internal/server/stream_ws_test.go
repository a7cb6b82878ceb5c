package server

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/testutil/testlog"
	"github.com/atelier-dev/atelier/internal/unit"
)

func dialStream(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sessionID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status=%d)", wsURL, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntilKind drains envelopes until one of the wanted kind arrives.
func readUntilKind(t *testing.T, conn *websocket.Conn, kind string) stream.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env stream.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if env.Kind == kind {
			return env
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s envelope before deadline", kind)
		}
	}
}

func startStreamingSession(t *testing.T) (*Service, *httptest.Server, string) {
	t.Helper()
	svc, _ := newTestService(t)
	id := createTestSession(t, svc)
	if rec := doJSON(t, svc, http.MethodPost, "/sessions/"+id+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return svc, srv, id
}

func TestStreamTerminalRoundTrip(t *testing.T) {
	testlog.Start(t)
	_, srv, id := startStreamingSession(t)
	conn := dialStream(t, srv, id)

	if err := conn.WriteJSON(stream.MustEnvelope(stream.KindTerminalInput, "",
		stream.TerminalInputPayload{Line: "echo hello"})); err != nil {
		t.Fatalf("write input: %v", err)
	}

	env := readUntilKind(t, conn, stream.KindTerminalOutput)
	var payload stream.TerminalOutputPayload
	if err := stream.DecodePayload(env, &payload); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !strings.Contains(payload.Data, "echo hello") {
		t.Fatalf("unexpected output %q", payload.Data)
	}
}

func TestStreamFileOperationsCorrelateByID(t *testing.T) {
	testlog.Start(t)
	_, srv, id := startStreamingSession(t)
	conn := dialStream(t, srv, id)

	if err := conn.WriteJSON(stream.MustEnvelope(stream.KindFileWrite, "op-w",
		stream.FileWritePayload{Path: "notes.txt", Content: "draft"})); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readUntilKind(t, conn, stream.KindFileWriteResult)
	if env.ID != "op-w" {
		t.Fatalf("write result id=%q", env.ID)
	}

	if err := conn.WriteJSON(stream.MustEnvelope(stream.KindFileRead, "op-r",
		stream.FileReadPayload{Path: "notes.txt"})); err != nil {
		t.Fatalf("read: %v", err)
	}
	env = readUntilKind(t, conn, stream.KindFileReadResult)
	if env.ID != "op-r" {
		t.Fatalf("read result id=%q", env.ID)
	}
	var result stream.FileReadResultPayload
	if err := stream.DecodePayload(env, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Content != "draft" {
		t.Fatalf("unexpected content %q", result.Content)
	}

	// Reading a path that was never written answers with an error envelope
	// carrying the same operation id.
	if err := conn.WriteJSON(stream.MustEnvelope(stream.KindFileRead, "op-miss",
		stream.FileReadPayload{Path: "absent.txt"})); err != nil {
		t.Fatalf("read missing: %v", err)
	}
	env = readUntilKind(t, conn, stream.KindFileReadError)
	if env.ID != "op-miss" {
		t.Fatalf("error id=%q", env.ID)
	}
}

func TestStreamAttachAnnouncesUnitReady(t *testing.T) {
	testlog.Start(t)
	_, srv, id := startStreamingSession(t)
	conn := dialStream(t, srv, id)

	env := readUntilKind(t, conn, stream.KindUnitReady)
	var ready stream.UnitReadyPayload
	if err := stream.DecodePayload(env, &ready); err != nil {
		t.Fatalf("decode unit_ready: %v", err)
	}
	if ready.UnitName != unit.UnitName(id) {
		t.Fatalf("unexpected unit name %q", ready.UnitName)
	}

	env = readUntilKind(t, conn, stream.KindClearProgress)
	var progress stream.ClearProgressPayload
	if err := stream.DecodePayload(env, &progress); err != nil {
		t.Fatalf("decode clear_progress: %v", err)
	}
	if progress.Step != "workspace_sync" {
		t.Fatalf("unexpected step %q", progress.Step)
	}
}

func TestStreamEndsWhenSessionStops(t *testing.T) {
	testlog.Start(t)
	svc, srv, id := startStreamingSession(t)
	conn := dialStream(t, srv, id)

	// Wait for the attach announcement so the handler is fully wired before
	// the session goes away underneath it.
	readUntilKind(t, conn, stream.KindUnitReady)

	if rec := doJSON(t, svc, http.MethodPost, "/sessions/"+id+"/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop status=%d body=%s", rec.Code, rec.Body.String())
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env stream.Envelope
		err := conn.ReadJSON(&env)
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatalf("server kept the stream open after stop: %v", err)
		}
		return
	}
}

func TestStreamReconnectReplaysOutputTail(t *testing.T) {
	testlog.Start(t)
	svc, srv, id := startStreamingSession(t)

	sessStream, ok := svc.hub.Get(id)
	if !ok {
		t.Fatalf("no stream for session")
	}
	sessStream.PublishOutput([]byte("output before any client\n"))

	conn := dialStream(t, srv, id)
	env := readUntilKind(t, conn, stream.KindTerminalOutput)
	var payload stream.TerminalOutputPayload
	if err := stream.DecodePayload(env, &payload); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if payload.Data != "output before any client\n" {
		t.Fatalf("unexpected replay %q", payload.Data)
	}
	_ = conn.Close()

	// A second client gets the same tail again.
	conn2 := dialStream(t, srv, id)
	env = readUntilKind(t, conn2, stream.KindTerminalOutput)
	if err := stream.DecodePayload(env, &payload); err != nil {
		t.Fatalf("decode second replay: %v", err)
	}
	if payload.Data != "output before any client\n" {
		t.Fatalf("unexpected second replay %q", payload.Data)
	}
}
