package stream

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/atelier-dev/atelier/internal/testutil/testlog"
)

func TestReplayRingKeepsTail(t *testing.T) {
	testlog.Start(t)
	ring := NewReplayRing(8)
	ring.Write([]byte("abcdef"))
	ring.Write([]byte("ghijkl"))
	if got := ring.Bytes(); !bytes.Equal(got, []byte("efghijkl")) {
		t.Fatalf("unexpected tail %q", got)
	}
	if ring.Len() != 8 {
		t.Fatalf("unexpected len=%d", ring.Len())
	}

	ring.Write([]byte("this chunk alone exceeds capacity"))
	if got := ring.Bytes(); !bytes.Equal(got, []byte("capacity")) {
		t.Fatalf("unexpected tail %q", got)
	}
	ring.Reset()
	if ring.Len() != 0 {
		t.Fatalf("reset left %d bytes", ring.Len())
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 10, nil); got != 5*time.Second {
		t.Fatalf("attempt10 got=%v", got)
	}
}

func TestValidateInbound(t *testing.T) {
	testlog.Start(t)
	if err := ValidateInbound(MustEnvelope(KindTerminalInput, "", TerminalInputPayload{Line: "ls"})); err != nil {
		t.Fatalf("terminal_input should validate: %v", err)
	}
	if err := ValidateInbound(MustEnvelope(KindFileRead, "op-1", FileReadPayload{Path: "a.py"})); err != nil {
		t.Fatalf("file_read with id should validate: %v", err)
	}
	if err := ValidateInbound(MustEnvelope(KindFileRead, "", FileReadPayload{Path: "a.py"})); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("file_read without id should fail, got %v", err)
	}
	if err := ValidateInbound(MustEnvelope(KindTerminalOutput, "", TerminalOutputPayload{})); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("server kind from client should fail, got %v", err)
	}
	if err := ValidateInbound(Envelope{}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("empty envelope should fail, got %v", err)
	}
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{ReplayBufferBytes: 16, SendQueueLength: 4})
	s := hub.Open("sess-1")
	if again := hub.Open("sess-1"); again != s {
		t.Fatalf("open is not idempotent")
	}

	s.PublishOutput([]byte("hello "))
	s.PublishOutput([]byte("world"))

	transport, err := s.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := transport.Replay(); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("unexpected replay %q", got)
	}
	if len(transport.C) != 0 {
		t.Fatalf("queue should be empty before new output")
	}
}

func TestReattachDisplacesPreviousTransport(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{SendQueueLength: 4})
	s := hub.Open("sess-1")

	first, err := s.Attach()
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	second, err := s.Attach()
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if _, open := <-first.C; open {
		t.Fatalf("first transport channel should be closed")
	}

	s.PublishOutput([]byte("after"))
	select {
	case env := <-second.C:
		if env.Kind != KindTerminalOutput {
			t.Fatalf("unexpected kind=%s", env.Kind)
		}
	default:
		t.Fatalf("second transport received nothing")
	}

	// Detaching the displaced transport must not touch the live one.
	s.Detach(first)
	s.Publish(MustEnvelope(KindClearProgress, "", ClearProgressPayload{Step: "x"}))
	if len(second.C) != 1 {
		t.Fatalf("live transport lost delivery after stale detach")
	}
}

func TestBackpressureDropsOldestWithSingleMarker(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{SendQueueLength: 2})
	s := hub.Open("sess-1")
	transport, err := s.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.PublishOutput([]byte("one"))
	s.PublishOutput([]byte("two"))
	s.PublishOutput([]byte("three"))
	s.PublishOutput([]byte("four"))

	var kinds []string
	for len(transport.C) > 0 {
		kinds = append(kinds, (<-transport.C).Kind)
	}
	markers := 0
	for _, k := range kinds {
		if k == KindOutputTruncated {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("expected exactly one truncation marker, got %d (%v)", markers, kinds)
	}

	// Replay still holds the full tail regardless of transport drops.
	fresh, err := s.Attach()
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if got := fresh.Replay(); !bytes.Equal(got, []byte("onetwothreefour")) {
		t.Fatalf("unexpected replay %q", got)
	}
}

func TestBackpressureNeverEvictsFileResponses(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{SendQueueLength: 2})
	s := hub.Open("sess-1")
	transport, err := s.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.Publish(MustEnvelope(KindFileReadResult, "op-1", FileReadResultPayload{Path: "x", Content: "v"}))
	s.PublishOutput([]byte("one"))
	s.PublishOutput([]byte("two"))
	s.PublishOutput([]byte("three"))

	var kinds []string
	sawResult := false
	markers := 0
	for len(transport.C) > 0 {
		env := <-transport.C
		kinds = append(kinds, env.Kind)
		if env.Kind == KindFileReadResult && env.ID == "op-1" {
			sawResult = true
		}
		if env.Kind == KindOutputTruncated {
			markers++
		}
	}
	if !sawResult {
		t.Fatalf("file response evicted under backpressure: %v", kinds)
	}
	if markers != 1 {
		t.Fatalf("expected exactly one truncation marker, got %d (%v)", markers, kinds)
	}
}

func TestPerKindOrderPreserved(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{SendQueueLength: 16})
	s := hub.Open("sess-1")
	transport, err := s.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.PublishOutput([]byte("a"))
	s.Publish(MustEnvelope(KindFileReadResult, "op-1", FileReadResultPayload{Path: "x"}))
	s.PublishOutput([]byte("b"))
	s.PublishOutput([]byte("c"))

	var outputs []string
	for len(transport.C) > 0 {
		env := <-transport.C
		if env.Kind != KindTerminalOutput {
			continue
		}
		var payload TerminalOutputPayload
		if err := DecodePayload(env, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		outputs = append(outputs, payload.Data)
	}
	if len(outputs) != 3 || outputs[0] != "a" || outputs[1] != "b" || outputs[2] != "c" {
		t.Fatalf("terminal output order broken: %v", outputs)
	}
}

func TestCloseEndsTransportAndForbidsAttach(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(Config{})
	s := hub.Open("sess-1")
	transport, err := s.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	hub.Close("sess-1")
	if _, open := <-transport.C; open {
		t.Fatalf("transport channel should close with the stream")
	}
	if _, err := s.Attach(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if _, ok := hub.Get("sess-1"); ok {
		t.Fatalf("closed stream still registered")
	}
}
