package server

import (
	"encoding/json"
	"time"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
	"github.com/shaunagostinho/zipbridge/internal/stream"
)

// Client to bridge message types.
const (
	TypeCommand      = "command"
	TypeStreamStart  = "stream.start"
	TypeStreamUpdate = "stream.update"
	TypeStreamStop   = "stream.stop"
)

// Bridge to client message types.
const (
	TypeReply    = "reply"
	TypeStatus   = "status"
	TypeSerialRx = "serial.rx"
	TypeError    = "error"
)

// Limits on client input.
const (
	MotionLimit  = 255
	StreamTTLMin = 100
	StreamTTLMax = 500
	MaxTimeoutMs = 30_000
	argMin       = -32768
	argMax       = 32767
)

// ClientMessage is one of CommandMsg, StreamStartMsg, StreamUpdateMsg or
// StreamStopMsg.
type ClientMessage interface {
	clientMessage()
	CorrelationID() string
}

// CommandMsg sends one firmware command. The reply is awaited unless
// expectReply is false.
type CommandMsg struct {
	ID          string `json:"id"`
	N           int    `json:"N"`
	H           string `json:"H,omitempty"`
	D1          *int   `json:"D1,omitempty"`
	D2          *int   `json:"D2,omitempty"`
	T           *int   `json:"T,omitempty"`
	ExpectReply *bool  `json:"expectReply,omitempty"`
	TimeoutMs   int    `json:"timeoutMs,omitempty"`
}

type StreamStartMsg struct {
	ID     string `json:"id"`
	V      *int   `json:"v"`
	W      *int   `json:"w"`
	RateHz int    `json:"rateHz,omitempty"`
	TTLMs  int    `json:"ttlMs,omitempty"`
}

type StreamUpdateMsg struct {
	ID    string `json:"id"`
	V     *int   `json:"v"`
	W     *int   `json:"w"`
	TTLMs int    `json:"ttlMs,omitempty"`
}

// StreamStopMsg stops streaming. HardStop defaults to true.
type StreamStopMsg struct {
	ID       string `json:"id"`
	HardStop *bool  `json:"hardStop,omitempty"`
}

func (CommandMsg) clientMessage()      {}
func (StreamStartMsg) clientMessage()  {}
func (StreamUpdateMsg) clientMessage() {}
func (StreamStopMsg) clientMessage()   {}

func (m CommandMsg) CorrelationID() string      { return m.ID }
func (m StreamStartMsg) CorrelationID() string  { return m.ID }
func (m StreamUpdateMsg) CorrelationID() string { return m.ID }
func (m StreamStopMsg) CorrelationID() string   { return m.ID }

// Command builds the wire command for a decoded message.
func (m CommandMsg) Command() protocol.Command {
	return protocol.WithDefaults(protocol.Command{N: m.N, H: m.H, D1: m.D1, D2: m.D2, T: m.T})
}

// WantsReply reports whether the caller waits for the firmware.
func (m CommandMsg) WantsReply() bool {
	return m.ExpectReply == nil || *m.ExpectReply
}

// Timeout returns the requested timeout, or zero for the class default.
func (m CommandMsg) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Hard reports whether the stop should also halt the motors now.
func (m StreamStopMsg) Hard() bool {
	return m.HardStop == nil || *m.HardStop
}

type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DecodeClientMessage parses and validates one inbound frame. The returned
// id is the caller's correlation ID when it could be read.
func DecodeClientMessage(data []byte) (msg ClientMessage, id string, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", bridgeerrors.Validation("malformed message: %v", err)
	}

	switch env.Type {
	case TypeCommand:
		var m CommandMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, env.ID, bridgeerrors.Validation("command: %v", err)
		}
		return m, env.ID, m.validate()
	case TypeStreamStart:
		var m StreamStartMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, env.ID, bridgeerrors.Validation("stream.start: %v", err)
		}
		return m, env.ID, m.validate()
	case TypeStreamUpdate:
		var m StreamUpdateMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, env.ID, bridgeerrors.Validation("stream.update: %v", err)
		}
		return m, env.ID, m.validate()
	case TypeStreamStop:
		var m StreamStopMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, env.ID, bridgeerrors.Validation("stream.stop: %v", err)
		}
		return m, env.ID, nil
	case "":
		return nil, env.ID, bridgeerrors.Validation("missing message type")
	default:
		return nil, env.ID, bridgeerrors.Validation("unknown message type %q", env.Type)
	}
}

func (m CommandMsg) validate() error {
	if m.N < 0 || m.N > protocol.OpDirectMotor {
		return bridgeerrors.Validation("N must be in [0,%d], got %d", protocol.OpDirectMotor, m.N)
	}
	if !protocol.ValidTag(m.H) {
		return bridgeerrors.Validation("H must be at most %d alphanumerics, got %q", protocol.MaxTagLen, m.H)
	}
	for _, arg := range []struct {
		name string
		v    *int
	}{{"D1", m.D1}, {"D2", m.D2}, {"T", m.T}} {
		if arg.v != nil && (*arg.v < argMin || *arg.v > argMax) {
			return bridgeerrors.Validation("%s out of range: %d", arg.name, *arg.v)
		}
	}
	if m.N == protocol.OpSetpoint || m.N == protocol.OpDirectMotor {
		if err := checkMotion("D1", m.D1); err != nil {
			return err
		}
		if err := checkMotion("D2", m.D2); err != nil {
			return err
		}
	}
	if m.TimeoutMs < 0 || m.TimeoutMs > MaxTimeoutMs {
		return bridgeerrors.Validation("timeoutMs must be in [0,%d], got %d", MaxTimeoutMs, m.TimeoutMs)
	}
	if _, err := m.Command().Encode(); err != nil {
		return bridgeerrors.Validation("%v", err)
	}
	return nil
}

func (m StreamStartMsg) validate() error {
	if err := checkVW(m.V, m.W); err != nil {
		return err
	}
	if m.RateHz != 0 && (m.RateHz < stream.MinRateHz || m.RateHz > stream.MaxRateHz) {
		return bridgeerrors.Validation("rateHz must be in [%d,%d], got %d", stream.MinRateHz, stream.MaxRateHz, m.RateHz)
	}
	return checkTTL(m.TTLMs)
}

func (m StreamUpdateMsg) validate() error {
	if err := checkVW(m.V, m.W); err != nil {
		return err
	}
	return checkTTL(m.TTLMs)
}

func checkVW(v, w *int) error {
	if v == nil || w == nil {
		return bridgeerrors.Validation("v and w are required")
	}
	if err := checkMotion("v", v); err != nil {
		return err
	}
	return checkMotion("w", w)
}

func checkMotion(name string, v *int) error {
	if v != nil && (*v < -MotionLimit || *v > MotionLimit) {
		return bridgeerrors.Validation("%s must be in [-%d,%d], got %d", name, MotionLimit, MotionLimit, *v)
	}
	return nil
}

func checkTTL(ttl int) error {
	if ttl != 0 && (ttl < StreamTTLMin || ttl > StreamTTLMax) {
		return bridgeerrors.Validation("ttlMs must be in [%d,%d], got %d", StreamTTLMin, StreamTTLMax, ttl)
	}
	return nil
}

// ReplyMsg answers one client message.
type ReplyMsg struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Op   string `json:"op"`
	matcher.Result
	Stream *stream.Snapshot `json:"stream,omitempty"`
}

// StatusMsg is the periodic and state-change snapshot.
type StatusMsg struct {
	Type string `json:"type"`
	Status
}

// SerialRxMsg echoes one received line.
type SerialRxMsg struct {
	Type  string `json:"type"`
	Line  string `json:"line"`
	Kind  string `json:"kind"`
	Stamp int64  `json:"stamp"`
}

// ErrorMsg reports a rejected client message.
type ErrorMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func newReply(id, op string, res matcher.Result) ReplyMsg {
	return ReplyMsg{Type: TypeReply, ID: id, Op: op, Result: res}
}

func newError(id string, err error) ErrorMsg {
	return ErrorMsg{Type: TypeError, ID: id, Kind: bridgeerrors.KindOf(err).String(), Error: err.Error()}
}
