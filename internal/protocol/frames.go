// Package protocol defines the WebSocket wire frames exchanged between the
// cloud hub, the self-hosted OpenClaw plugin, and browser/mobile clients.
//
// Every frame is one UTF-8 JSON object with a required "type" field. The
// field names are load-bearing: deployed plugins and clients parse them, so
// they must not change.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/openclaw/openclaw-cloud/internal/errors"
)

// MaxFrameSize is the maximum size of a single frame in bytes.
// Oversize frames are rejected without parsing.
const MaxFrameSize = 1 << 20 // 1 MiB

// WebSocket close codes.
const (
	CloseNormal         = 1000
	CloseAuthFailure    = 4001
	CloseOverloaded     = 4008
	CloseProtocolError  = 4009
	ClosePluginReplaced = 4010
)

// Frame type strings.
const (
	TypeConnectionStatus = "connection.status"
	TypeStreamStart      = "agent.stream.start"
	TypeStreamChunk      = "agent.stream.chunk"
	TypeStreamEnd        = "agent.stream.end"
	TypeAgentText        = "agent.text"
	TypeAgentMedia       = "agent.media"
	TypeAgentA2UI        = "agent.a2ui"
	TypeJobUpdate        = "job.update"
	TypeJobOutput        = "job.output"
	TypeTaskScanResult   = "task.scan.result"
	TypeTaskScheduleAck  = "task.schedule.ack"
	TypeModelsList       = "models.list"
	TypeModelChanged     = "model.changed"
	TypeSettingsModel    = "settings.defaultModel"
	TypeStatus           = "status"
	TypeError            = "error"
	TypeAuth             = "auth"
	TypeAuthOK           = "auth.ok"
	TypeUserMessage      = "user.message"
	TypeDisconnected     = "openclaw.disconnected"
)

// Job status values. The three non-running statuses are terminal and
// write-once.
const (
	JobRunning = "running"
	JobOK      = "ok"
	JobError   = "error"
	JobSkipped = "skipped"
)

// Frame is implemented by every decoded wire frame.
type Frame interface {
	FrameType() string
}

// ModelInfo describes one model the plugin exposes. Extra fields from newer
// plugins are preserved opaquely via Raw on the enclosing frame.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConnectionStatus is sent by the plugin when its agent runtime state changes.
type ConnectionStatus struct {
	Type              string      `json:"type"`
	OpenclawConnected bool        `json:"openclawConnected"`
	DefaultModel      string      `json:"defaultModel,omitempty"`
	Models            []ModelInfo `json:"models,omitempty"`
}

func (f *ConnectionStatus) FrameType() string { return TypeConnectionStatus }

// StreamStart opens a streaming agent reply identified by RunID.
type StreamStart struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	ThreadID   string `json:"threadId,omitempty"`
}

func (f *StreamStart) FrameType() string { return TypeStreamStart }

// StreamChunk carries the cumulative text-to-date for an open stream.
// Text is a snapshot, not a delta: receivers overwrite, never concatenate.
type StreamChunk struct {
	Type       string `json:"type"`
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

func (f *StreamChunk) FrameType() string { return TypeStreamChunk }

// StreamEnd closes a stream. It may arrive after the terminal agent.text,
// in which case it is a no-op.
type StreamEnd struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
}

func (f *StreamEnd) FrameType() string { return TypeStreamEnd }

// AgentText is a terminal agent reply. RunID, when present, ties it to an
// open stream so the stager can finalize early.
type AgentText struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	MessageID  string `json:"messageId"`
	RunID      string `json:"runId,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
}

func (f *AgentText) FrameType() string { return TypeAgentText }

// AgentMedia is an agent reply carrying a media URL.
type AgentMedia struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	MediaURL   string `json:"mediaUrl"`
	Caption    string `json:"caption,omitempty"`
	MessageID  string `json:"messageId"`
	Encrypted  bool   `json:"encrypted,omitempty"`
}

func (f *AgentMedia) FrameType() string { return TypeAgentMedia }

// AgentA2UI is an agent reply carrying a structured-ui payload. The JSONL
// body is opaque to the hub.
type AgentA2UI struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	JSONL      string `json:"jsonl"`
	MessageID  string `json:"messageId"`
}

func (f *AgentA2UI) FrameType() string { return TypeAgentA2UI }

// JobUpdate reports a background-task job transition from the plugin.
type JobUpdate struct {
	Type       string `json:"type"`
	JobID      string `json:"jobId"`
	TaskID     string `json:"taskId"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"startedAt"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

func (f *JobUpdate) FrameType() string { return TypeJobUpdate }

// Terminal reports whether the update carries a terminal status.
func (f *JobUpdate) Terminal() bool {
	switch f.Status {
	case JobOK, JobError, JobSkipped:
		return true
	}
	return false
}

// JobOutput carries the cumulative summary text for a running job.
type JobOutput struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

func (f *JobOutput) FrameType() string { return TypeJobOutput }

// ModelChanged reports that the plugin switched models for a session.
type ModelChanged struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	Model      string `json:"model"`
}

func (f *ModelChanged) FrameType() string { return TypeModelChanged }

// SettingsDefaultModel updates the default model, in either direction.
type SettingsDefaultModel struct {
	Type         string `json:"type"`
	DefaultModel string `json:"defaultModel"`
}

func (f *SettingsDefaultModel) FrameType() string { return TypeSettingsModel }

// Auth must be the first frame a client sends after the WS upgrade.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (f *Auth) FrameType() string { return TypeAuth }

// AuthOK acknowledges a successful client auth.
type AuthOK struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	ConnectedAt int64  `json:"connectedAt"`
}

func (f *AuthOK) FrameType() string { return TypeAuthOK }

// UserMessage is a chat message from a client. A sessionKey of the form
// "{base}:thread:{msgId}" addresses a reply thread.
type UserMessage struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	UserID     string `json:"userId"`
	MessageID  string `json:"messageId"`
	Model      string `json:"model,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
}

func (f *UserMessage) FrameType() string { return TypeUserMessage }

// ErrorFrame reports an error to a peer.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (f *ErrorFrame) FrameType() string { return TypeError }

// Disconnected tells clients the plugin socket dropped.
type Disconnected struct {
	Type string `json:"type"`
}

func (f *Disconnected) FrameType() string { return TypeDisconnected }

// Opaque is a frame the hub relays verbatim without interpreting its body:
// task.scan.result, task.schedule.ack, models.list, status, and plugin-side
// error frames. Raw holds the original bytes.
type Opaque struct {
	Type string
	Raw  json.RawMessage
}

func (f *Opaque) FrameType() string { return f.Type }

// Unknown is a frame whose type has no dispatch arm. Client-origin unknowns
// are rejected with an error frame; plugin-origin unknowns are logged.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (f *Unknown) FrameType() string { return f.Type }

// typeProbe extracts the discriminator before full decoding.
type typeProbe struct {
	Type string `json:"type"`
}

// Decode parses one wire frame. It returns ErrProtocol (wrapped) for
// oversize payloads, malformed JSON, or a missing type field.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", errors.ErrProtocol, len(data))
	}

	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocol, err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", errors.ErrProtocol)
	}

	var frame Frame
	switch probe.Type {
	case TypeConnectionStatus:
		frame = &ConnectionStatus{}
	case TypeStreamStart:
		frame = &StreamStart{}
	case TypeStreamChunk:
		frame = &StreamChunk{}
	case TypeStreamEnd:
		frame = &StreamEnd{}
	case TypeAgentText:
		frame = &AgentText{}
	case TypeAgentMedia:
		frame = &AgentMedia{}
	case TypeAgentA2UI:
		frame = &AgentA2UI{}
	case TypeJobUpdate:
		frame = &JobUpdate{}
	case TypeJobOutput:
		frame = &JobOutput{}
	case TypeModelChanged:
		frame = &ModelChanged{}
	case TypeSettingsModel:
		frame = &SettingsDefaultModel{}
	case TypeAuth:
		frame = &Auth{}
	case TypeAuthOK:
		frame = &AuthOK{}
	case TypeUserMessage:
		frame = &UserMessage{}
	case TypeError:
		frame = &ErrorFrame{}
	case TypeDisconnected:
		frame = &Disconnected{}
	case TypeTaskScanResult, TypeTaskScheduleAck, TypeModelsList, TypeStatus:
		return &Opaque{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	default:
		return &Unknown{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocol, err)
	}
	return frame, nil
}

// Encode serializes a frame, filling in the type discriminator for struct
// frames and passing Opaque/Unknown bodies through verbatim.
func Encode(frame Frame) ([]byte, error) {
	switch f := frame.(type) {
	case *Opaque:
		return f.Raw, nil
	case *Unknown:
		return f.Raw, nil
	}
	setType(frame)
	return json.Marshal(frame)
}

// setType fills the Type field so callers can construct frames without
// repeating the discriminator string.
func setType(frame Frame) {
	switch f := frame.(type) {
	case *ConnectionStatus:
		f.Type = TypeConnectionStatus
	case *StreamStart:
		f.Type = TypeStreamStart
	case *StreamChunk:
		f.Type = TypeStreamChunk
	case *StreamEnd:
		f.Type = TypeStreamEnd
	case *AgentText:
		f.Type = TypeAgentText
	case *AgentMedia:
		f.Type = TypeAgentMedia
	case *AgentA2UI:
		f.Type = TypeAgentA2UI
	case *JobUpdate:
		f.Type = TypeJobUpdate
	case *JobOutput:
		f.Type = TypeJobOutput
	case *ModelChanged:
		f.Type = TypeModelChanged
	case *SettingsDefaultModel:
		f.Type = TypeSettingsModel
	case *Auth:
		f.Type = TypeAuth
	case *AuthOK:
		f.Type = TypeAuthOK
	case *UserMessage:
		f.Type = TypeUserMessage
	case *ErrorFrame:
		f.Type = TypeError
	case *Disconnected:
		f.Type = TypeDisconnected
	}
}
