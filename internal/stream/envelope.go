package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEnvelope = errors.New("stream: invalid envelope")
	ErrUnknownKind     = errors.New("stream: unknown message kind")
)

// Message kinds carried on the multiplexed session channel. Kinds are
// independently addressable: ordering holds within one kind only.
const (
	KindTerminalInput  = "terminal_input"
	KindTerminalOutput = "terminal_output"

	KindFileRead        = "file_read"
	KindFileReadResult  = "file_read_result"
	KindFileReadError   = "file_read_error"
	KindFileWrite       = "file_write"
	KindFileWriteResult = "file_write_result"
	KindFileWriteError  = "file_write_error"
	KindFileList        = "file_list"
	KindFileListResult  = "file_list_result"
	KindFileListError   = "file_list_error"

	KindUnitReady       = "unit_ready"
	KindClearProgress   = "clear_progress"
	KindOutputTruncated = "output_truncated"
)

// Envelope is one multiplexed message. ID is the client-chosen operation
// identifier echoed on file operation responses so concurrent requests can
// be correlated regardless of completion order.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TerminalInputPayload is one line of text fed to the unit's shell.
type TerminalInputPayload struct {
	Line string `json:"line"`
}

// TerminalOutputPayload is one captured stdout/stderr chunk. Chunk
// boundaries carry no meaning; clients must not assume line buffering.
type TerminalOutputPayload struct {
	Data string `json:"data"`
}

type FileReadPayload struct {
	Path string `json:"path"`
}

type FileReadResultPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileWritePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileWriteResultPayload struct {
	Path string `json:"path"`
}

type FileListPayload struct {
	Path string `json:"path,omitempty"`
}

type FileListEntry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
}

type FileListResultPayload struct {
	Entries []FileListEntry `json:"entries"`
}

type FileErrorPayload struct {
	Path  string `json:"path,omitempty"`
	Error string `json:"error"`
}

type UnitReadyPayload struct {
	UnitName string `json:"unit_name"`
}

type ClearProgressPayload struct {
	Step string `json:"step"`
}

// OutputTruncatedPayload marks a gap where buffered terminal output was
// dropped under backpressure.
type OutputTruncatedPayload struct {
	DroppedBytes int `json:"dropped_bytes"`
}

var clientKinds = map[string]struct{}{
	KindTerminalInput: {},
	KindFileRead:      {},
	KindFileWrite:     {},
	KindFileList:      {},
}

// ValidateInbound checks one client-to-server envelope.
func ValidateInbound(env Envelope) error {
	kind := strings.TrimSpace(env.Kind)
	if kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEnvelope)
	}
	if _, ok := clientKinds[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if kind != KindTerminalInput && strings.TrimSpace(env.ID) == "" {
		return fmt.Errorf("%w: %s requires an operation id", ErrInvalidEnvelope, kind)
	}
	return nil
}

// MustEnvelope builds an envelope from a payload value. Marshal failures are
// programming errors on internal payload types.
func MustEnvelope(kind, id string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("stream: marshal %s payload: %v", kind, err))
	}
	return Envelope{Kind: kind, ID: id, Payload: raw}
}

// DecodePayload unmarshals an envelope payload into out.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s missing payload", ErrInvalidEnvelope, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, env.Kind, err)
	}
	return nil
}

// ErrorKindFor maps a request kind to its error response kind.
func ErrorKindFor(requestKind string) string {
	switch requestKind {
	case KindFileRead:
		return KindFileReadError
	case KindFileWrite:
		return KindFileWriteError
	case KindFileList:
		return KindFileListError
	default:
		return KindFileReadError
	}
}
