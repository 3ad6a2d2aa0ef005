// Package ipc implements the control protocol between the supervisor and its
// workers: a closed set of envelope kinds, a newline-delimited JSON codec over
// a socket pair, and a correlated request/response Channel on top of it.
package ipc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind identifies an envelope on the wire.
type Kind string

const (
	KindHeartbeat       Kind = "heartbeat"
	KindSilentRestart   Kind = "silentRestart"
	KindShutDownWorker  Kind = "shutDownWorker"
	KindShutDown        Kind = "shutDown"
	KindListening       Kind = "listening"
	KindChannelRequest  Kind = "channelRequest"
	KindChannelResponse Kind = "channelResponse"
)

// ErrUnknownEnvelope is returned when a frame carries a tag this package does not know.
var ErrUnknownEnvelope = errors.New("ipc: unknown envelope")

// ErrMalformedEnvelope is returned for a frame that is not a valid envelope:
// bad JSON, a bad correlation id, or a frame over MaxFrameSize.
var ErrMalformedEnvelope = errors.New("ipc: malformed envelope")

// Skippable reports whether a Recv error concerns a single frame only. The
// connection stays usable and the caller may keep receiving.
func Skippable(err error) bool {
	return errors.Is(err, ErrUnknownEnvelope) || errors.Is(err, ErrMalformedEnvelope)
}

// Message is one of the envelope types defined in this file.
type Message interface {
	Kind() Kind
	isMessage()
}

// Heartbeat is sent periodically by a serving worker.
type Heartbeat struct{}

// SilentRestart asks the supervisor to restart the whole pool.
type SilentRestart struct {
	Gracefully bool
}

// ShutDownWorker is sent by a worker that gave up during startup.
type ShutDownWorker struct{}

// ShutDown tells a worker to drain and exit.
type ShutDown struct{}

// Listening reports that the worker's listener accepts connections.
type Listening struct {
	Addr string
}

// ChannelRequest carries a correlated call.
type ChannelRequest struct {
	CorrelationID CorrelationID
	Channel       string
	Payload       json.RawMessage
}

// ChannelResponse answers a ChannelRequest with the same CorrelationID.
type ChannelResponse struct {
	CorrelationID CorrelationID
	Response      json.RawMessage
	Error         string
}

func (Heartbeat) Kind() Kind       { return KindHeartbeat }
func (SilentRestart) Kind() Kind   { return KindSilentRestart }
func (ShutDownWorker) Kind() Kind  { return KindShutDownWorker }
func (ShutDown) Kind() Kind        { return KindShutDown }
func (Listening) Kind() Kind       { return KindListening }
func (ChannelRequest) Kind() Kind  { return KindChannelRequest }
func (ChannelResponse) Kind() Kind { return KindChannelResponse }

func (Heartbeat) isMessage()       {}
func (SilentRestart) isMessage()   {}
func (ShutDownWorker) isMessage()  {}
func (ShutDown) isMessage()        {}
func (Listening) isMessage()       {}
func (ChannelRequest) isMessage()  {}
func (ChannelResponse) isMessage() {}

// CorrelationID is unique across processes because it embeds the caller's PID.
type CorrelationID struct {
	PID int
	Seq uint32
}

// String renders the id as "<pid>-<seq>".
func (c CorrelationID) String() string {
	return strconv.Itoa(c.PID) + "-" + strconv.FormatUint(uint64(c.Seq), 10)
}

// ParseCorrelationID is the inverse of CorrelationID.String.
func ParseCorrelationID(s string) (CorrelationID, error) {
	pidPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		return CorrelationID{}, fmt.Errorf("ipc: malformed correlation id %q", s)
	}
	pid, err := strconv.Atoi(pidPart)
	if err != nil {
		return CorrelationID{}, fmt.Errorf("ipc: malformed correlation id %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 32)
	if err != nil {
		return CorrelationID{}, fmt.Errorf("ipc: malformed correlation id %q: %w", s, err)
	}
	return CorrelationID{PID: pid, Seq: uint32(seq)}, nil
}

// wireParams holds the optional "params" object of command envelopes.
type wireParams struct {
	Gracefully *bool  `json:"gracefully,omitempty"`
	Addr       string `json:"addr,omitempty"`
}

// wireEnvelope is the union of every field any envelope can carry.
// Command envelopes use "cmd"; channel envelopes use "type".
type wireEnvelope struct {
	Cmd           string          `json:"cmd,omitempty"`
	Params        *wireParams     `json:"params,omitempty"`
	Type          string          `json:"type,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Marshal encodes a single envelope without a trailing newline.
func Marshal(msg Message) ([]byte, error) {
	var w wireEnvelope
	switch m := msg.(type) {
	case Heartbeat, ShutDownWorker, ShutDown:
		w.Cmd = string(m.Kind())
	case SilentRestart:
		g := m.Gracefully
		w.Cmd = string(KindSilentRestart)
		w.Params = &wireParams{Gracefully: &g}
	case Listening:
		w.Cmd = string(KindListening)
		w.Params = &wireParams{Addr: m.Addr}
	case ChannelRequest:
		w.Type = string(KindChannelRequest)
		w.CorrelationID = m.CorrelationID.String()
		w.Channel = m.Channel
		w.Message = nullIfEmpty(m.Payload)
	case ChannelResponse:
		w.Type = string(KindChannelResponse)
		w.CorrelationID = m.CorrelationID.String()
		w.Response = nullIfEmpty(m.Response)
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelope, msg)
	}
	return json.Marshal(&w)
}

// Unmarshal decodes a single envelope. Unknown tags yield ErrUnknownEnvelope,
// undecodable frames ErrMalformedEnvelope.
func Unmarshal(data []byte) (Message, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if w.Type != "" {
		id, err := ParseCorrelationID(w.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		switch Kind(w.Type) {
		case KindChannelRequest:
			return ChannelRequest{CorrelationID: id, Channel: w.Channel, Payload: w.Message}, nil
		case KindChannelResponse:
			return ChannelResponse{CorrelationID: id, Response: w.Response, Error: w.Error}, nil
		}
		return nil, fmt.Errorf("%w: type %q", ErrUnknownEnvelope, w.Type)
	}

	switch Kind(w.Cmd) {
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindShutDownWorker:
		return ShutDownWorker{}, nil
	case KindShutDown:
		return ShutDown{}, nil
	case KindSilentRestart:
		// A missing flag means a graceful restart.
		gracefully := true
		if w.Params != nil && w.Params.Gracefully != nil {
			gracefully = *w.Params.Gracefully
		}
		return SilentRestart{Gracefully: gracefully}, nil
	case KindListening:
		var addr string
		if w.Params != nil {
			addr = w.Params.Addr
		}
		return Listening{Addr: addr}, nil
	}
	return nil, fmt.Errorf("%w: cmd %q", ErrUnknownEnvelope, w.Cmd)
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
