package unit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atelier-dev/atelier/internal/testutil/testlog"
)

func newTestPlane(t *testing.T, handler http.Handler) (*HTTPControlPlane, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	plane, err := NewHTTPControlPlane(HTTPConfig{BaseURL: srv.URL, CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new control plane: %v", err)
	}
	return plane, srv
}

func TestUnitNameRoundTrip(t *testing.T) {
	testlog.Start(t)
	name := UnitName("abc-123")
	if name != "atelier-unit-abc-123" {
		t.Fatalf("unexpected name=%q", name)
	}
	id, ok := SessionIDFromUnitName(name)
	if !ok || id != "abc-123" {
		t.Fatalf("round trip failed: %q %v", id, ok)
	}
	if _, ok := SessionIDFromUnitName("something-else"); ok {
		t.Fatalf("foreign name should not parse")
	}
	if _, ok := SessionIDFromUnitName(NamePrefix); ok {
		t.Fatalf("bare prefix should not parse")
	}
}

func TestCreateUnitTreatsConflictAsReuse(t *testing.T) {
	testlog.Start(t)
	var gotSpec Spec
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotSpec); err != nil {
			t.Errorf("decode spec: %v", err)
		}
		w.WriteHeader(http.StatusConflict)
	}))

	err := plane.CreateUnit(context.Background(), "atelier-unit-x", Spec{Image: "img:1"})
	if err != nil {
		t.Fatalf("conflict should mean reuse: %v", err)
	}
	if gotSpec.Image != "img:1" {
		t.Fatalf("spec not sent: %+v", gotSpec)
	}
}

func TestUnitStatusAbsentOn404(t *testing.T) {
	testlog.Start(t)
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	status, err := plane.UnitStatus(context.Background(), "atelier-unit-x")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusAbsent {
		t.Fatalf("unexpected status=%s", status)
	}
}

func TestDeleteUnitIgnoresMissing(t *testing.T) {
	testlog.Start(t)
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	if err := plane.DeleteUnit(context.Background(), "atelier-unit-x"); err != nil {
		t.Fatalf("deleting a missing unit should succeed: %v", err)
	}
}

func TestExecStreamsOutputAndTrailerExitCode(t *testing.T) {
	testlog.Start(t)
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode exec body: %v", err)
		}
		if req["command"] != "false" {
			t.Errorf("unexpected command %q", req["command"])
		}
		w.Header().Set("Trailer", ExitCodeTrailer)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("some output\n"))
		w.Header().Set(ExitCodeTrailer, "1")
	}))

	execStream, err := plane.Exec(context.Background(), "atelier-unit-x", "false")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	defer execStream.Close()

	if code := execStream.ExitCode(); code != -1 {
		t.Fatalf("exit code before EOF should be -1, got %d", code)
	}
	out, err := io.ReadAll(execStream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "some output\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if code := execStream.ExitCode(); code != 1 {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestExecOnMissingUnit(t *testing.T) {
	testlog.Start(t)
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	if _, err := plane.Exec(context.Background(), "atelier-unit-x", "ls"); !errors.Is(err, ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestFileRoundTripAndListing(t *testing.T) {
	testlog.Start(t)
	files := map[string][]byte{}
	plane, _ := newTestPlane(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		switch {
		case r.Method == http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			files[path] = data
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/units/atelier-unit-x/files":
			data, ok := files[path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(data)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/units/atelier-unit-x/tree":
			entries := make([]FileEntry, 0, len(files))
			for p := range files {
				entries = append(entries, FileEntry{Path: p})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	if err := plane.WriteFile(ctx, "atelier-unit-x", "a/b.txt", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := plane.ReadFile(ctx, "atelier-unit-x", "a/b.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}
	entries, err := plane.ListFiles(ctx, "atelier-unit-x", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "a/b.txt" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
