// Package command defines the request/response messages accepted by the
// capture service. Every command and response has a JSON schema, and Decode
// validates payloads before they reach a handler.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/pageturner/internal/assemble"
	"github.com/jackzampolin/pageturner/internal/capture"
)

var (
	// ErrUnknownCommand is returned for an unrecognized command type.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload is returned when a payload does not match its schema.
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Type names a command.
type Type string

const (
	TypeStart       Type = "START"
	TypeStop        Type = "STOP"
	TypeStatus      Type = "STATUS"
	TypeTranscribe  Type = "TRANSCRIBE"
	TypeExport      Type = "EXPORT"
	TypeLedger      Type = "LEDGER"
	TypeResetLedger Type = "RESET_LEDGER"
)

// Types lists every command type.
var Types = []Type{TypeStart, TypeStop, TypeStatus, TypeTranscribe, TypeExport, TypeLedger, TypeResetLedger}

// Command is one of the concrete command structs below.
type Command interface {
	Type() Type
	command()
}

// Envelope is the wire form of a command.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Start begins a capture session.
type Start struct {
	ViewportID string           `json:"viewport_id,omitempty"`
	TabID      string           `json:"tab_id"`
	Settings   capture.Settings `json:"settings"`
}

// Stop ends the active session.
type Stop struct{}

// Status reports controller state.
type Status struct{}

// Transcribe transcribes one stored page.
type Transcribe struct {
	PageIndex  int    `json:"page_index"`
	Credential string `json:"credential"`
	Model      string `json:"model,omitempty"`
}

// Export assembles the stored pages on demand.
type Export struct {
	Format     capture.Format `json:"format,omitempty"`
	Style      capture.Style  `json:"style,omitempty"`
	Transcribe bool           `json:"transcribe,omitempty"`
	Credential string         `json:"credential,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// Ledger reports cumulative spending.
type Ledger struct{}

// ResetLedger zeroes cumulative spending.
type ResetLedger struct{}

func (Start) Type() Type       { return TypeStart }
func (Stop) Type() Type        { return TypeStop }
func (Status) Type() Type      { return TypeStatus }
func (Transcribe) Type() Type  { return TypeTranscribe }
func (Export) Type() Type      { return TypeExport }
func (Ledger) Type() Type      { return TypeLedger }
func (ResetLedger) Type() Type { return TypeResetLedger }

func (Start) command()       {}
func (Stop) command()        {}
func (Status) command()      {}
func (Transcribe) command()  {}
func (Export) command()      {}
func (Ledger) command()      {}
func (ResetLedger) command() {}

// Accepted answers START.
type Accepted struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// Stopped answers STOP.
type Stopped struct {
	Status string `json:"status"`
}

// TranscribeResult answers TRANSCRIBE. Failures are embedded in Text.
type TranscribeResult struct {
	Text string `json:"text"`
}

// LedgerResult answers LEDGER and RESET_LEDGER.
type LedgerResult struct {
	CumulativeCost float64 `json:"cumulative_cost"`
	Currency       string  `json:"currency"`
}

// StatusResult answers STATUS.
type StatusResult = capture.Status

// ExportResult answers EXPORT.
type ExportResult = assemble.Result

// Decode parses and validates an envelope.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return DecodePayload(env.Type, env.Payload)
}

// DecodePayload validates payload against the schema for t and decodes it.
// An empty payload is treated as {}.
func DecodePayload(t Type, payload []byte) (Command, error) {
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if err := validate(requestSchemaName(t), payload); err != nil {
		return nil, err
	}

	var cmd Command
	switch t {
	case TypeStart:
		var c Start
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		cmd = c
	case TypeStop:
		cmd = Stop{}
	case TypeStatus:
		cmd = Status{}
	case TypeTranscribe:
		var c Transcribe
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		cmd = c
	case TypeExport:
		var c Export
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		cmd = c
	case TypeLedger:
		cmd = Ledger{}
	case TypeResetLedger:
		cmd = ResetLedger{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, t)
	}
	return cmd, nil
}
