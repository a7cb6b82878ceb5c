package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/unit"
	"github.com/atelier-dev/atelier/internal/workspace"
)

var (
	ErrTerminalBusy   = errors.New("lifecycle: terminal input queue full")
	ErrTerminalClosed = errors.New("lifecycle: terminal runner stopped")
)

const terminalChunkSize = 4096

// terminalRunner is the per-session goroutine that feeds terminal input
// lines to the unit's shell one at a time and drains the resulting output
// into the session stream. A single goroutine per session keeps chunk order
// identical to the order the process produced it.
type terminalRunner struct {
	sessionID  string
	unitName   string
	plane      unit.ControlPlane
	store      *workspace.Store
	sink       *stream.SessionStream
	lines      chan string
	cancel     context.CancelFunc
	done       chan struct{}
	maxCapture int64
}

func startTerminalRunner(sessionID, unitName string, plane unit.ControlPlane, store *workspace.Store, sink *stream.SessionStream, queueLen int, maxCapture int64) *terminalRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &terminalRunner{
		sessionID:  sessionID,
		unitName:   unitName,
		plane:      plane,
		store:      store,
		sink:       sink,
		lines:      make(chan string, queueLen),
		cancel:     cancel,
		done:       make(chan struct{}),
		maxCapture: maxCapture,
	}
	go r.run(ctx)
	return r
}

// Submit queues one input line for execution in receive order.
func (r *terminalRunner) Submit(line string) error {
	select {
	case <-r.done:
		return ErrTerminalClosed
	default:
	}
	select {
	case r.lines <- line:
		return nil
	default:
		return ErrTerminalBusy
	}
}

// stop cancels any in-flight command and ends the runner goroutine.
func (r *terminalRunner) stop() {
	r.cancel()
	<-r.done
}

func (r *terminalRunner) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-r.lines:
			r.execute(ctx, line)
		}
	}
}

func (r *terminalRunner) execute(ctx context.Context, line string) {
	command := strings.TrimSpace(line)
	if command == "" {
		return
	}

	execStream, err := r.plane.Exec(ctx, r.unitName, command)
	if err != nil {
		msg := fmt.Sprintf("atelier: command failed to start: %v\n", err)
		r.sink.PublishOutput([]byte(msg))
		r.record(command, msg, false)
		return
	}
	defer execStream.Close()

	var captured strings.Builder
	buf := make([]byte, terminalChunkSize)
	for {
		n, readErr := execStream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			r.sink.PublishOutput(chunk)
			if int64(captured.Len()) < r.maxCapture {
				captured.Write(chunk[:min(n, int(r.maxCapture-int64(captured.Len())))])
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			log.Warn().
				Str("session_id", r.sessionID).
				Str("command", command).
				Err(readErr).
				Msg("terminal_stream_interrupted")
			r.record(command, captured.String(), false)
			return
		}
	}

	success := execStream.ExitCode() == 0
	r.record(command, captured.String(), success)
}

// record appends to the append-only command history; history failures never
// interrupt the terminal.
func (r *terminalRunner) record(command, output string, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.store.AppendCommand(ctx, r.sessionID, command, output, success); err != nil {
		log.Warn().
			Str("session_id", r.sessionID).
			Err(err).
			Msg("command_record_append_failed")
	}
}
