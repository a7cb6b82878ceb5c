package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/stream"
	"github.com/atelier-dev/atelier/internal/workspace"
)

const fileOpTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens in the CORS layer; the upgrade accepts any
	// origin that made it through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSessionStream upgrades to a duplex channel carrying JSON envelopes.
// A new attach displaces any previous client for the session and starts by
// replaying the retained terminal output tail.
func (s *Service) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if sess.Status != workspace.StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
		return
	}
	sessStream, ok := s.hub.Get(sessionID)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "session has no open stream"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("stream_upgrade_failed")
		return
	}

	transport, err := sessStream.Attach()
	if err != nil {
		_ = conn.WriteJSON(stream.MustEnvelope(stream.KindFileReadError, "",
			stream.FileErrorPayload{Error: err.Error()}))
		_ = conn.Close()
		return
	}
	defer sessStream.Detach(transport)

	if err := s.manager.Touch(c.Request.Context(), sessionID); err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("touch_failed")
	}
	log.Info().Str("session_id", sessionID).Msg("stream_attached")

	// This client missed the lifecycle notices published during start;
	// re-announce them so it knows the unit and can clear any provisioning UI.
	if handle, ok := s.manager.Handle(sessionID); ok {
		sessStream.Publish(stream.MustEnvelope(stream.KindUnitReady, "",
			stream.UnitReadyPayload{UnitName: handle.UnitName}))
		sessStream.Publish(stream.MustEnvelope(stream.KindClearProgress, "",
			stream.ClearProgressPayload{Step: "workspace_sync"}))
	}

	done := make(chan struct{})
	var once sync.Once
	// Closing the socket unblocks the reader's pending ReadJSON, so whichever
	// pump exits first tears the other down.
	closeDone := func() {
		once.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	go s.streamWriter(conn, transport, done, closeDone, sessionID)
	s.streamReader(conn, sessStream, sessionID, done)
	closeDone()
	log.Info().Str("session_id", sessionID).Msg("stream_detached")
}

// streamWriter owns all writes on the socket: the replay tail first, then
// every envelope the session publishes while this client is attached.
func (s *Service) streamWriter(
	conn *websocket.Conn,
	transport *stream.Transport,
	done <-chan struct{},
	closeDone func(),
	sessionID string,
) {
	defer closeDone()

	if tail := transport.Replay(); len(tail) > 0 {
		env := stream.MustEnvelope(stream.KindTerminalOutput, "",
			stream.TerminalOutputPayload{Data: string(tail)})
		if err := writeEnvelope(conn, env); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case env, ok := <-transport.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeEnvelope(conn, env); err != nil {
				log.Debug().Str("session_id", sessionID).Err(err).Msg("stream_write_failed")
				return
			}
		}
	}
}

// streamReader consumes client envelopes until the socket or the session
// goes away. Terminal input is serialized through the session's runner;
// file operations run concurrently and answer with the request id echoed.
func (s *Service) streamReader(
	conn *websocket.Conn,
	sessStream *stream.SessionStream,
	sessionID string,
	done <-chan struct{},
) {
	for {
		select {
		case <-done:
			return
		default:
		}

		var env stream.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("session_id", sessionID).Err(err).Msg("stream_read_ended")
			}
			return
		}
		if err := stream.ValidateInbound(env); err != nil {
			sessStream.Publish(stream.MustEnvelope(stream.KindFileReadError, env.ID,
				stream.FileErrorPayload{Error: err.Error()}))
			continue
		}
		if err := s.manager.Touch(context.Background(), sessionID); err != nil {
			log.Warn().Str("session_id", sessionID).Err(err).Msg("touch_failed")
		}

		switch env.Kind {
		case stream.KindTerminalInput:
			s.dispatchTerminalInput(sessStream, sessionID, env)
		case stream.KindFileRead, stream.KindFileWrite, stream.KindFileList:
			go s.dispatchFileOp(sessStream, sessionID, env)
		}
	}
}

func (s *Service) dispatchTerminalInput(sessStream *stream.SessionStream, sessionID string, env stream.Envelope) {
	var payload stream.TerminalInputPayload
	if err := stream.DecodePayload(env, &payload); err != nil {
		sessStream.PublishOutput([]byte("error: " + err.Error() + "\n"))
		return
	}
	if err := s.manager.SubmitTerminalLine(sessionID, payload.Line); err != nil {
		if errors.Is(err, lifecycle.ErrTerminalBusy) {
			sessStream.PublishOutput([]byte("error: terminal busy, input dropped\n"))
			return
		}
		sessStream.PublishOutput([]byte("error: " + err.Error() + "\n"))
	}
}

// dispatchFileOp serves one file request against the unit's live
// filesystem. Results can complete out of order; the echoed id is the
// client's correlation handle.
func (s *Service) dispatchFileOp(sessStream *stream.SessionStream, sessionID string, env stream.Envelope) {
	handle, ok := s.manager.Handle(sessionID)
	if !ok {
		sessStream.Publish(stream.MustEnvelope(stream.ErrorKindFor(env.Kind), env.ID,
			stream.FileErrorPayload{Error: "session has no compute unit"}))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fileOpTimeout)
	defer cancel()

	switch env.Kind {
	case stream.KindFileRead:
		var payload stream.FileReadPayload
		if err := stream.DecodePayload(env, &payload); err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		data, err := s.plane.ReadFile(ctx, handle.UnitName, payload.Path)
		if err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		sessStream.Publish(stream.MustEnvelope(stream.KindFileReadResult, env.ID,
			stream.FileReadResultPayload{Path: payload.Path, Content: string(data)}))

	case stream.KindFileWrite:
		var payload stream.FileWritePayload
		if err := stream.DecodePayload(env, &payload); err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		if err := s.plane.WriteFile(ctx, handle.UnitName, payload.Path, []byte(payload.Content)); err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		sessStream.Publish(stream.MustEnvelope(stream.KindFileWriteResult, env.ID,
			stream.FileWriteResultPayload{Path: payload.Path}))

	case stream.KindFileList:
		var payload stream.FileListPayload
		if err := stream.DecodePayload(env, &payload); err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		entries, err := s.plane.ListFiles(ctx, handle.UnitName, payload.Path)
		if err != nil {
			s.publishFileError(sessStream, env, payload.Path, err)
			return
		}
		out := make([]stream.FileListEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, stream.FileListEntry{Path: e.Path, Dir: e.Dir})
		}
		sessStream.Publish(stream.MustEnvelope(stream.KindFileListResult, env.ID,
			stream.FileListResultPayload{Entries: out}))
	}
}

func (s *Service) publishFileError(sessStream *stream.SessionStream, env stream.Envelope, path string, err error) {
	sessStream.Publish(stream.MustEnvelope(stream.ErrorKindFor(env.Kind), env.ID,
		stream.FileErrorPayload{Path: path, Error: err.Error()}))
}

func writeEnvelope(conn *websocket.Conn, env stream.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(stream.DefaultConfig().WriteTimeout))
	return conn.WriteJSON(env)
}
